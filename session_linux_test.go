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
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// This file drives a Session end to end over an AF_UNIX socketpair standing
// in for /dev/fuse, playing the kernel's side of the wire protocol by hand.
// It uses the same syscall.Socketpair(AF_UNIX, ..., 0)+os.NewFile technique
// as mount_linux.go's unixgramSocketpair, but with SOCK_SEQPACKET rather
// than SOCK_STREAM: the real /dev/fuse device delivers one message per
// read(2), and SOCK_SEQPACKET is the AF_UNIX type that preserves that
// message-atomic framing (a plain stream socket would not). Both ends are
// put in non-blocking mode so os.NewFile returns pollable files, which is
// what lets the test set read deadlines on the kernel side.
func fuseDevicePipe(t *testing.T) (kernelSide, engineSide *os.File) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	require.NoError(t, syscall.SetNonblock(fds[0], true))
	require.NoError(t, syscall.SetNonblock(fds[1], true))
	return os.NewFile(uintptr(fds[0]), "fuse-test-kernel"), os.NewFile(uintptr(fds[1]), "fuse-test-engine")
}

const (
	scenarioChildInode = fuseops.InodeID(2)
	scenarioChildName  = "Time_is_12h_00m_00s"
	scenarioLongOffset = int64(999)
)

// scenarioFileSystem answers just the requests the S1-S6 scenarios exercise.
type scenarioFileSystem struct {
	NotImplementedFileSystem

	mu          sync.Mutex
	lookupCount map[fuseops.InodeID]uint64

	readStarted chan struct{}
	forgotten   chan struct{}
}

func newScenarioFileSystem() *scenarioFileSystem {
	return &scenarioFileSystem{
		lookupCount: make(map[fuseops.InodeID]uint64),
		readStarted: make(chan struct{}, 1),
		forgotten:   make(chan struct{}, 1),
	}
}

func (fs *scenarioFileSystem) Call(ctx context.Context, op fuseops.Op) error {
	switch o := op.(type) {
	case *fuseops.LookUpInodeOp:
		if o.Name != scenarioChildName {
			return ENOENT
		}
		fs.mu.Lock()
		fs.lookupCount[scenarioChildInode]++
		fs.mu.Unlock()
		o.Entry = fuseops.ChildInodeEntry{
			Child:                scenarioChildInode,
			EntryExpiration:      time.Now().Add(time.Second),
			AttributesExpiration: time.Now().Add(time.Second),
			Attributes:           fuseops.InodeAttributes{Nlink: 1, Mode: 0644},
		}
		return nil

	case *fuseops.ForgetInodeOp:
		fs.mu.Lock()
		fs.lookupCount[o.Inode] -= o.N
		fs.mu.Unlock()
		select {
		case fs.forgotten <- struct{}{}:
		default:
		}
		return nil

	case *fuseops.ReadFileOp:
		if o.Offset == scenarioLongOffset {
			select {
			case fs.readStarted <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return syscall.EINTR
		}
		o.BytesRead = 0
		return nil
	}

	return fs.NotImplementedFileSystem.Call(ctx, op)
}

func writeRequest(t *testing.T, conn io.Writer, opcode fusekernel.Opcode, unique, nodeID uint64, body []byte) {
	t.Helper()

	h := fusekernel.InHeader{Opcode: opcode, Unique: unique, NodeID: nodeID}
	h.Len = uint32(unsafe.Sizeof(h) + uintptr(len(body)))

	msg := append(append([]byte{}, marshal(&h)...), body...)
	_, err := conn.Write(msg)
	require.NoError(t, err)
}

// readReply reads exactly one reply packet. SOCK_SEQPACKET, like the real
// /dev/fuse device, delivers a whole message per read(2); splitting the
// read into a header call followed by a body call (as a stream socket
// would require) would silently drop whatever didn't fit in the first call.
func readReply(t *testing.T, conn io.Reader) (fusekernel.OutHeader, []byte) {
	t.Helper()

	buf := make([]byte, buffer.MaxReadSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int(unsafe.Sizeof(fusekernel.OutHeader{})))

	hdr := *(*fusekernel.OutHeader)(unsafe.Pointer(&buf[0]))
	body := append([]byte{}, buf[unsafe.Sizeof(fusekernel.OutHeader{}):n]...)
	return hdr, body
}

// TestSessionScenarios drives a Session through the handshake, a lookup
// miss and hit, an invalidation notification, an empty read, a mid-flight
// interrupt, and forget accounting, in that order.
func TestSessionScenarios(t *testing.T) {
	kernelSide, engineSide := fuseDevicePipe(t)

	fs := newScenarioFileSystem()
	session := NewSession(engineSide, fs, MountConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(ctx) }()

	// S1: handshake.
	writeRequest(t, kernelSide, fusekernel.OpInit, 1, 0, marshal(&fusekernel.InitIn{
		Major:        7,
		Minor:        31,
		MaxReadahead: 131072,
		Flags:        fusekernel.InitAsyncRead | fusekernel.InitBigWrites,
	}))
	hdr, body := readReply(t, kernelSide)
	require.Equal(t, uint64(1), hdr.Unique)
	require.Equal(t, int32(0), hdr.Error)
	require.GreaterOrEqual(t, len(body), int(unsafe.Sizeof(fusekernel.InitOut{})))

	initOut := (*fusekernel.InitOut)(unsafe.Pointer(&body[0]))
	assert.Equal(t, uint32(7), initOut.Major)
	assert.LessOrEqual(t, initOut.Minor, uint32(31))
	assert.GreaterOrEqual(t, initOut.MaxWrite, uint32(4096))
	offered := uint32(fusekernel.InitAsyncRead | fusekernel.InitBigWrites)
	assert.Zero(t, initOut.Flags&^offered, "negotiated flags %#x outside kernel-offered set %#x", initOut.Flags, offered)

	info := session.ConnectionInfo()
	assert.Equal(t, fusekernel.Protocol{Major: 7, Minor: 31}, info.Protocol)
	assert.Equal(t, initOut.MaxWrite, info.MaxWrite)
	assert.True(t, info.SupportsFlag(fusekernel.InitBigWrites))

	// S2: lookup miss.
	writeRequest(t, kernelSide, fusekernel.OpLookup, 2, uint64(fuseops.RootInodeID), append([]byte("nope"), 0))
	hdr, body = readReply(t, kernelSide)
	assert.Equal(t, uint64(2), hdr.Unique)
	assert.Equal(t, int32(-2), hdr.Error)
	assert.Equal(t, uint32(16), hdr.Len)
	assert.Empty(t, body)

	// S3: lookup hit, then an invalidation notification for the same entry.
	writeRequest(t, kernelSide, fusekernel.OpLookup, 3, uint64(fuseops.RootInodeID), append([]byte(scenarioChildName), 0))
	hdr, _ = readReply(t, kernelSide)
	require.Equal(t, uint64(3), hdr.Unique)
	require.Equal(t, int32(0), hdr.Error)

	require.NoError(t, session.Notifier().InvalidateEntry(fuseops.RootInodeID, scenarioChildName))
	hdr, body = readReply(t, kernelSide)
	assert.Equal(t, uint64(0), hdr.Unique)
	assert.Equal(t, int32(-3), hdr.Error)

	require.GreaterOrEqual(t, len(body), int(unsafe.Sizeof(fusekernel.NotifyInvalEntryOut{})))
	invalOut := (*fusekernel.NotifyInvalEntryOut)(unsafe.Pointer(&body[0]))
	assert.Equal(t, uint64(fuseops.RootInodeID), invalOut.Parent)
	assert.Equal(t, uint32(len(scenarioChildName)), invalOut.Namelen)
	name := body[unsafe.Sizeof(fusekernel.NotifyInvalEntryOut{}):]
	assert.Equal(t, append([]byte(scenarioChildName), 0), name)

	// S4: read against an empty file.
	writeRequest(t, kernelSide, fusekernel.OpRead, 4, uint64(scenarioChildInode), marshal(&fusekernel.ReadIn{Fh: 0, Offset: 0, Size: 4096}))
	hdr, body = readReply(t, kernelSide)
	assert.Equal(t, uint64(4), hdr.Unique)
	assert.Equal(t, int32(0), hdr.Error)
	assert.Equal(t, uint32(16), hdr.Len)
	assert.Empty(t, body)

	// S5: a long-running read, interrupted before it replies.
	writeRequest(t, kernelSide, fusekernel.OpRead, 100, uint64(scenarioChildInode), marshal(&fusekernel.ReadIn{Fh: 0, Offset: uint64(scenarioLongOffset), Size: 4096}))
	select {
	case <-fs.readStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("read never reached the file system")
	}
	writeRequest(t, kernelSide, fusekernel.OpInterrupt, 101, 0, marshal(&fusekernel.InterruptIn{Unique: 100}))
	hdr, body = readReply(t, kernelSide)
	assert.Equal(t, uint64(100), hdr.Unique)
	assert.Equal(t, int32(-4), hdr.Error) // EINTR
	assert.Empty(t, body)

	// S6: a second successful lookup, then forget drops the count by two
	// and produces no reply at all.
	writeRequest(t, kernelSide, fusekernel.OpLookup, 5, uint64(fuseops.RootInodeID), append([]byte(scenarioChildName), 0))
	hdr, _ = readReply(t, kernelSide)
	require.Equal(t, uint64(5), hdr.Unique)

	fs.mu.Lock()
	before := fs.lookupCount[scenarioChildInode]
	fs.mu.Unlock()
	require.Equal(t, uint64(2), before)

	writeRequest(t, kernelSide, fusekernel.OpForget, 6, uint64(scenarioChildInode), marshal(&fusekernel.ForgetIn{Nlookup: 2}))
	select {
	case <-fs.forgotten:
	case <-time.After(2 * time.Second):
		t.Fatal("forget never reached the file system")
	}

	require.NoError(t, kernelSide.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var probe [16]byte
	n, err := kernelSide.Read(probe[:])
	assert.Equal(t, 0, n)
	assert.Error(t, err, "FORGET must not produce a reply")
	require.NoError(t, kernelSide.SetReadDeadline(time.Time{}))

	fs.mu.Lock()
	after := fs.lookupCount[scenarioChildInode]
	fs.mu.Unlock()
	assert.Zero(t, after)

	cancel()
	require.NoError(t, kernelSide.Close())
	require.ErrorIs(t, <-runDone, ErrDeviceGone)
	require.NoError(t, session.Close())
}
