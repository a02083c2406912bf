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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// Notifier sends unsolicited, kernel-bound messages over a Session's
// connection: cache invalidations the file system wants to push down, and
// (for RETRIEVE) a request that the kernel hand back dirty page-cache data
// so the file system can read it. Get one from Session.Notifier.
type Notifier struct {
	s *Session

	nextUnique uint64

	mu       sync.Mutex
	pending  map[uint64]chan *fuseops.RetrieveReply
}

// Notifier returns the Session's Notifier, valid once Run has completed
// the FUSE_INIT handshake.
func (s *Session) Notifier() *Notifier {
	s.notifierOnce.Do(func() {
		s.notifier = &Notifier{s: s, pending: make(map[uint64]chan *fuseops.RetrieveReply)}
	})
	return s.notifier
}

// InvalidateInode asks the kernel to drop cached data and attributes for
// ino over the byte range [off, off+length), or the whole inode if length
// is negative.
func (n *Notifier) InvalidateInode(ino fuseops.InodeID, off, length int64) error {
	body := fusekernel.NotifyInvalInodeOut{Ino: uint64(ino), Off: off, Len: length}
	return n.send(fusekernel.OpNotifyInode, int32(fusekernel.NotifyCodeInvalInode), marshal(&body), nil)
}

// InvalidateEntry asks the kernel to drop its cached lookup of name within
// parent, e.g. after the file system renamed or removed it out from under
// a client that isn't going through this mount.
func (n *Notifier) InvalidateEntry(parent fuseops.InodeID, name string) error {
	body := fusekernel.NotifyInvalEntryOut{Parent: uint64(parent), Namelen: uint32(len(name))}
	return n.send(fusekernel.OpNotifyEntry, int32(fusekernel.NotifyCodeInvalEntry), marshal(&body), nulTerminated(name))
}

// Delete is like InvalidateEntry, but also tells the kernel which child
// inode the entry pointed at, allowing it to invalidate dentries even when
// multiple hard links make the plain name-based form ambiguous.
func (n *Notifier) Delete(parent, child fuseops.InodeID, name string) error {
	body := fusekernel.NotifyInvalDeleteOut{
		Parent:  uint64(parent),
		Child:   uint64(child),
		Namelen: uint32(len(name)),
	}
	return n.send(fusekernel.OpNotifyEntry, int32(fusekernel.NotifyCodeDelete), marshal(&body), nulTerminated(name))
}

// Store pushes data directly into the kernel's page cache for ino at the
// given offset, without a round trip through FUSE_WRITE.
func (n *Notifier) Store(ino fuseops.InodeID, offset uint64, data []byte) error {
	body := fusekernel.NotifyStoreOut{Nodeid: uint64(ino), Offset: offset, Size: uint32(len(data))}
	return n.send(fusekernel.OpNotifyInode, int32(fusekernel.NotifyCodeStore), marshal(&body), data)
}

// Retrieve asks the kernel to hand back the page-cache contents it holds
// for ino over [offset, offset+size), blocking until the kernel's
// NOTIFY_REPLY arrives or ctx is cancelled. The Session's decode loop
// special-cases FUSE_NOTIFY_REPLY messages and routes them here by their
// notify-assigned unique ID, which is disjoint from kernel-assigned
// request uniques.
func (n *Notifier) Retrieve(ctx context.Context, ino fuseops.InodeID, offset uint64, size uint32) (*fuseops.RetrieveReply, error) {
	unique := atomic.AddUint64(&n.nextUnique, 1) | (uint64(1) << 63)

	ch := make(chan *fuseops.RetrieveReply, 1)
	n.mu.Lock()
	n.pending[unique] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, unique)
		n.mu.Unlock()
	}()

	body := fusekernel.NotifyRetrieveOut{
		NotifyUnique: unique,
		Nodeid:       uint64(ino),
		Offset:       offset,
		Size:         size,
	}
	if err := n.send(fusekernel.OpNotifyInode, int32(fusekernel.NotifyCodeRetrieve), marshal(&body), nil); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll wakes up any client blocked in poll(2)/select(2) on a handle for
// which the file system previously returned kh from a POLL request,
// telling the kernel to re-poll that handle.
func (n *Notifier) Poll(kh uint64) error {
	body := fusekernel.NotifyPollWakeupOut{Kh: kh}
	return n.send(fusekernel.OpNotifyInode, int32(fusekernel.NotifyCodePoll), marshal(&body), nil)
}

// deliverRetrieveReply is called by the Session's decode loop when it sees
// a FUSE_NOTIFY_REPLY message, matching it to a pending Retrieve call by
// its notify unique ID.
func (n *Notifier) deliverRetrieveReply(unique uint64, reply *fuseops.RetrieveReply) {
	n.mu.Lock()
	ch, ok := n.pending[unique]
	n.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (n *Notifier) send(opcode fusekernel.Opcode, code int32, header []byte, tail []byte) error {
	om := new(buffer.OutMessage)
	om.Reset()
	om.Append(header)
	if tail != nil {
		om.Append(tail)
	}

	out := om.OutHeader()
	out.Unique = 0
	out.Error = -code
	out.Len = uint32(om.Len())

	if err := n.s.write(om.Bytes()); err != nil {
		return fmt.Errorf("fuse: sending notification opcode %d: %w", opcode, err)
	}
	n.s.metrics.notificationSent(notifyCodeName(fusekernel.NotifyCode(code)))
	return nil
}

func notifyCodeName(code fusekernel.NotifyCode) string {
	switch code {
	case fusekernel.NotifyCodePoll:
		return "poll"
	case fusekernel.NotifyCodeInvalInode:
		return "inval_inode"
	case fusekernel.NotifyCodeInvalEntry:
		return "inval_entry"
	case fusekernel.NotifyCodeStore:
		return "store"
	case fusekernel.NotifyCodeRetrieve:
		return "retrieve"
	case fusekernel.NotifyCodeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func marshal[T any](v *T) []byte {
	n := int(unsafe.Sizeof(*v))
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), n)
}
