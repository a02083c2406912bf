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
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// maxReadahead caps the readahead size this engine asks the kernel to use,
// regardless of what was offered; see the discussion of ra_pages in the
// kernel's fs/fuse/inode.c.
const maxReadahead = 1 << 20

// handshake performs the FUSE_INIT exchange that must precede every other
// request on a freshly opened connection: read the kernel's offered
// protocol version and capability flags, clamp the version to what this
// engine supports, intersect capabilities with what MountConfig opted
// into, and reply with the negotiated result. On success s.protocol is
// populated and the session is ready for Run's main loop.
func (s *Session) handshake(ctx context.Context) error {
	m := new(buffer.InMessage)
	if err := m.Init(s.dev); err != nil {
		return fmt.Errorf("fuse: reading init message: %w", err)
	}

	if m.Header().Opcode != fusekernel.OpInit {
		return fmt.Errorf("%w: first message was opcode %d, not INIT", ErrProtocol, m.Header().Opcode)
	}

	op, err := decodeMessage(ctx, m, fusekernel.Protocol{})
	if err != nil {
		return err
	}

	initOp, ok := op.(*fuseops.InitOp)
	if !ok {
		return fmt.Errorf("%w: decoded INIT message as %T", ErrProtocol, op)
	}

	min := fusekernel.Protocol{Major: fusekernel.ProtoVersionMinMajor, Minor: fusekernel.ProtoVersionMinMinor}
	if initOp.Kernel.LT(min) {
		s.replyInitError(initOp, syscall.EPROTO)
		return fmt.Errorf("%w: kernel offered %+v, need at least %+v", ErrCapability, initOp.Kernel, min)
	}

	s.protocol = fusekernel.Protocol{Major: fusekernel.ProtoVersionMaxMajor, Minor: fusekernel.ProtoVersionMaxMinor}
	if initOp.Kernel.LT(s.protocol) {
		s.protocol = initOp.Kernel
	}

	kernelFlags := initOp.Flags
	kernelMaxReadahead := initOp.MaxReadahead

	initOp.Library = s.protocol
	initOp.MaxReadahead = kernelMaxReadahead
	if initOp.MaxReadahead == 0 || initOp.MaxReadahead > maxReadahead {
		initOp.MaxReadahead = maxReadahead
	}
	initOp.MaxWrite = buffer.MaxReadSize

	var flags uint32
	flags |= fusekernel.InitBigWrites
	flags |= fusekernel.InitMaxPages

	if s.cfg.EnableAsyncReads {
		flags |= fusekernel.InitAsyncRead
	}
	if !s.cfg.DisableWritebackCaching {
		flags |= fusekernel.InitWritebackCache
	}
	if s.cfg.EnableSymlinkCaching && kernelFlags&fusekernel.InitCacheSymlinks != 0 {
		flags |= fusekernel.InitCacheSymlinks
	}
	if s.cfg.EnableNoOpenSupport && kernelFlags&fusekernel.InitNoOpenSupport != 0 {
		flags |= fusekernel.InitNoOpenSupport
	}
	if s.cfg.EnableNoOpendirSupport && kernelFlags&fusekernel.InitNoOpendirSupport != 0 {
		flags |= fusekernel.InitNoOpendirSupport
	}
	if s.cfg.EnableParallelDirOps {
		flags |= fusekernel.InitParallelDirOps
	}

	// Only keep flags the kernel actually offered, in case a capability this
	// engine supports unconditionally (e.g. INIT_MAX_PAGES) wasn't offered
	// by an older kernel.
	initOp.Flags = flags & kernelFlags
	initOp.MaxBackground = s.cfg.MaxBackground
	initOp.CongestionThreshold = s.cfg.CongestionThreshold

	s.background = nil
	if maxBG := initOp.MaxBackground; maxBG != 0 {
		s.background = semaphoreOfSize(maxBG)
	} else {
		s.background = semaphoreOfSize(defaultMaxBackground)
	}

	effectiveMaxBackground := initOp.MaxBackground
	if effectiveMaxBackground == 0 {
		effectiveMaxBackground = defaultMaxBackground
	}
	effectiveCongestionThreshold := initOp.CongestionThreshold
	if effectiveCongestionThreshold == 0 {
		effectiveCongestionThreshold = defaultCongestionThreshold
	}

	s.connInfo = fuseops.ConnectionInfo{
		Protocol:            s.protocol,
		Flags:               initOp.Flags,
		MaxReadahead:        initOp.MaxReadahead,
		MaxWrite:            initOp.MaxWrite,
		MaxBackground:       effectiveMaxBackground,
		CongestionThreshold:  effectiveCongestionThreshold,
	}

	om := initOp.KernelResponse(s.protocol)
	out := om.OutHeader()
	out.Unique = initOp.Header().Unique
	out.Len = uint32(om.Len())

	return s.write(om.Bytes())
}

func semaphoreOfSize(n uint16) *semaphore.Weighted {
	return semaphore.NewWeighted(int64(n))
}

func (s *Session) replyInitError(op *fuseops.InitOp, errno syscall.Errno) {
	om := newErrorMessage(errno)
	out := om.OutHeader()
	out.Unique = op.Header().Unique
	out.Len = uint32(om.Len())
	_ = s.write(om.Bytes())
}
