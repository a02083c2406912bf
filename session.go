// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/semaphore"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// defaultMaxBackground and defaultCongestionThreshold are the values
// reported to the kernel during FUSE_INIT when the caller's MountConfig
// leaves them unset.
const (
	defaultMaxBackground       = 12
	defaultCongestionThreshold = 9
)

// Session owns a single mounted /dev/fuse connection: it reads and decodes
// requests, dispatches them to a FileSystem, and encodes and writes
// replies. Create one with NewSession and drive it with Run.
type Session struct {
	// id distinguishes this Session's log lines and traces from any other
	// mount the same daemon process happens to be serving.
	id uuid.UUID

	cfg MountConfig
	fs  FileSystem
	dev *os.File

	protocol fusekernel.Protocol

	// connInfo is populated once handshake completes and exposed to the
	// file system via ConnectionInfo.
	connInfo fuseops.ConnectionInfo

	// writeMu serializes writes to dev; the kernel doesn't otherwise care
	// about reply ordering, but concurrent unserialized writes to the same
	// fd can interleave.
	writeMu sync.Mutex

	// background bounds the number of concurrently dispatched ops, mirroring
	// the congestion control the kernel itself would apply to background
	// (readahead) requests.
	background *semaphore.Weighted

	// interrupts maps a kernel "unique" request ID to the cancel func for
	// its op's Context, so that a FUSE_INTERRUPT can cancel the
	// corresponding in-flight Call. FORGET and BATCH_FORGET never appear
	// here: they carry no reply, and their unique IDs may be reused by the
	// kernel immediately.
	//
	// INVARIANT: every key's op is still in flight.
	mu         syncutil.InvariantMutex
	interrupts map[uint64]context.CancelFunc
	wg         sync.WaitGroup

	notifierOnce sync.Once
	notifier     *Notifier

	metrics *sessionMetrics
	clock   timeutil.Clock
}

// NewSession wraps dev (an open /dev/fuse descriptor, already bound to a
// mountpoint by Mount) for use serving fs. Call Run to begin processing
// requests; Run performs the FUSE_INIT handshake itself before entering
// the main loop.
func NewSession(dev *os.File, fs FileSystem, cfg MountConfig) *Session {
	s := &Session{
		id:         uuid.New(),
		cfg:        cfg,
		fs:         fs,
		dev:        dev,
		interrupts: make(map[uint64]context.CancelFunc),
		clock:      timeutil.RealClock(),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// ID uniquely identifies this Session among any others a process happens
// to be running, for log correlation.
func (s *Session) ID() string {
	return s.id.String()
}

// ConnectionInfo returns the negotiated protocol version and capability
// set from the FUSE_INIT handshake. It is only valid once Run has begun
// (handshake completes before Run's main loop starts); calling it earlier
// returns the zero value.
func (s *Session) ConnectionInfo() fuseops.ConnectionInfo {
	return s.connInfo
}

func (s *Session) checkInvariants() {
	for unique := range s.interrupts {
		if unique == 0 {
			panic("interrupts table contains a zero unique ID")
		}
	}
}

func (s *Session) opContext() context.Context {
	if s.cfg.OpContext != nil {
		return s.cfg.OpContext
	}
	return context.Background()
}

// Run reads and serves requests from dev until the kernel closes the
// connection (ENODEV, reported as ErrDeviceGone) or ctx is cancelled. It
// performs the FUSE_INIT handshake as its first step.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m := new(buffer.InMessage)
		if err := m.Init(s.dev); err != nil {
			if pe, ok := err.(*os.PathError); ok {
				switch pe.Err {
				case syscall.ENODEV:
					return ErrDeviceGone
				case syscall.EINTR:
					continue
				}
			}
			if err == io.EOF {
				return ErrDeviceGone
			}
			return fmt.Errorf("fuse: reading message: %w", err)
		}

		op, err := decodeMessage(s.opContext(), m, s.protocol)
		if err != nil {
			s.logError(fmt.Errorf("decodeMessage: %w", err))
			continue
		}

		unique := op.Header().Unique

		if interrupt, ok := op.(*fuseops.InterruptOp); ok {
			s.handleInterrupt(interrupt.TargetUnique)
			op.Common().Finish(nil)
			continue
		}

		if reply, ok := op.(*fuseops.NotifyReplyOp); ok {
			if s.notifier != nil {
				s.notifier.deliverRetrieveReply(reply.Reply.NotifyUnique, &reply.Reply)
			}
			op.Common().Finish(nil)
			continue
		}

		if unknown, ok := op.(*fuseops.UnknownOp); ok {
			s.logError(fmt.Errorf("fuse: unsupported opcode %d", unknown.Opcode))
			if werr := s.reply(op, ENOSYS); werr != nil {
				s.logError(fmt.Errorf("writing reply: %w", werr))
			}
			op.Common().Finish(ENOSYS)
			continue
		}

		var background bool
		if unique != 0 {
			if _, isForget := op.(*fuseops.ForgetInodeOp); !isForget {
				if _, isBatch := op.(*fuseops.BatchForgetOp); !isBatch {
					background = true
				}
			}
		}

		var opCtx context.Context
		var cancel context.CancelFunc
		opCtx = op.Common().Context()
		if background {
			opCtx, cancel = context.WithCancel(opCtx)
			s.recordInterrupt(unique, cancel)
		}

		if s.background != nil {
			if err := s.background.Acquire(ctx, 1); err != nil {
				if cancel != nil {
					s.forgetInterrupt(unique)
					cancel()
				}
				return fmt.Errorf("fuse: acquiring background slot: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.background != nil {
				defer s.background.Release(1)
			}
			s.dispatch(opCtx, op)
			if cancel != nil {
				s.forgetInterrupt(unique)
				cancel()
			}
		}()
	}
}

// Close waits for all in-flight ops to finish and closes the underlying
// device.
func (s *Session) Close() error {
	s.wg.Wait()
	return s.dev.Close()
}

func (s *Session) recordInterrupt(unique uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[unique] = cancel
}

func (s *Session) forgetInterrupt(unique uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interrupts, unique)
}

// handleInterrupt cancels the Context of the in-flight op with the given
// unique ID, if it's still outstanding. Per fuse.txt in the kernel
// documentation, an interrupt can never be delivered before the request it
// targets, so a missing entry just means the op already finished.
func (s *Session) handleInterrupt(unique uint64) {
	s.mu.Lock()
	cancel, ok := s.interrupts[unique]
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// dispatch calls the file system, then encodes and writes the reply.
func (s *Session) dispatch(ctx context.Context, op fuseops.Op) {
	common := op.Common()
	opType := opTypeName(op)

	s.metrics.opStarted(opType)
	start := s.clock.Now()

	err := s.fs.Call(ctx, op)
	common.Finish(err)

	s.metrics.opFinished(opType, err, s.clock.Now().Sub(start).Seconds())
	s.logOp(op, err)

	if cb := callbackForOp(op); cb != nil {
		defer cb()
	}

	if op.Header().Unique == 0 {
		return
	}
	switch op.(type) {
	case *fuseops.ForgetInodeOp, *fuseops.BatchForgetOp, *fuseops.InterruptOp, *fuseops.UnknownOp:
		return
	}

	if werr := s.reply(op, err); werr != nil {
		s.logError(fmt.Errorf("writing reply: %w", werr))
	}
}

// reply encodes and writes the wire reply for op, given the result of
// calling the file system.
func (s *Session) reply(op fuseops.Op, callErr error) error {
	var om *buffer.OutMessage

	if callErr != nil {
		om = newErrorMessage(errnoFromError(callErr))
	} else {
		om = op.KernelResponse(s.protocol)
		if om == nil {
			om = newErrorMessage(0)
		}
	}

	out := om.OutHeader()
	out.Unique = op.Header().Unique
	out.Len = uint32(om.Len())
	if callErr != nil {
		out.Error = -int32(errnoFromError(callErr))
	}

	return s.write(om.Bytes())
}

func newErrorMessage(errno syscall.Errno) *buffer.OutMessage {
	om := new(buffer.OutMessage)
	om.Reset()
	if errno != 0 {
		om.OutHeader().Error = -int32(errno)
	}
	return om
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.dev.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("fuse: short write (%d of %d bytes)", n, len(b))
	}
	return nil
}

func callbackForOp(op fuseops.Op) func() {
	switch o := op.(type) {
	case *fuseops.ReadFileOp:
		return o.Callback
	case *fuseops.WriteFileOp:
		return o.Callback
	}
	return nil
}

func (s *Session) logOp(op fuseops.Op, err error) {
	if s.cfg.DebugLogger == nil && s.cfg.ErrorLogger == nil {
		return
	}
	if s.cfg.DebugLogger != nil {
		if err != nil {
			s.cfg.DebugLogger.Printf("[%s] -> %s: %v", s.id, op.ShortDesc(), err)
		} else {
			s.cfg.DebugLogger.Printf("[%s] -> %s", s.id, op.ShortDesc())
		}
	}
	if err != nil && s.shouldLogError(op, err) {
		s.cfg.ErrorLogger.Printf("[%s] %s: %v", s.id, op.ShortDesc(), err)
	}
}

// shouldLogError filters out errors that are a normal part of operation and
// would just spook users watching the error log, such as ENOENT from a
// speculative LookUpInode.
func (s *Session) shouldLogError(op fuseops.Op, err error) bool {
	if s.cfg.ErrorLogger == nil {
		return false
	}

	switch op.(type) {
	case *fuseops.LookUpInodeOp:
		if err == ENOENT {
			return false
		}
	case *fuseops.GetXattrOp, *fuseops.ListXattrOp:
		if err == ENOSYS || err == ENOATTR || err == ERANGE {
			return false
		}
	case *fuseops.UnknownOp:
		if err == ENOSYS {
			return false
		}
	}
	return true
}

func (s *Session) logError(err error) {
	if s.cfg.ErrorLogger != nil {
		s.cfg.ErrorLogger.Print(err)
	} else {
		log.Print(err)
	}
}

// opTypeName extracts a short metrics-label-friendly name from an Op's
// concrete type, e.g. "*fuseops.LookUpInodeOp" -> "LookUpInode".
func opTypeName(op fuseops.Op) string {
	name := fmt.Sprintf("%T", op)
	const prefix = "*fuseops."
	const suffix = "Op"
	if len(name) > len(prefix)+len(suffix) && name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix {
		return name[len(prefix) : len(name)-len(suffix)]
	}
	return name
}
