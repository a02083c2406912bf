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

package fuseops

import (
	"time"
	"unsafe"

	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

func newOutMessage() *buffer.OutMessage {
	om := new(buffer.OutMessage)
	om.Reset()
	return om
}

func kernelTimespec(t time.Time) (sec uint64, nsec uint32) {
	if t.IsZero() {
		return 0, 0
	}
	return uint64(t.Unix()), uint32(t.Nanosecond())
}

func (a InodeAttributes) toFuseAttr(ino InodeID) fusekernel.Attr {
	asec, ansec := kernelTimespec(a.Atime)
	msec, mnsec := kernelTimespec(a.Mtime)
	csec, cnsec := kernelTimespec(a.Ctime)

	return fusekernel.Attr{
		Ino:       uint64(ino),
		Size:      a.Size,
		Blocks:    (a.Size + 511) / 512,
		Atime:     asec,
		Mtime:     msec,
		Ctime:     csec,
		Atimensec: ansec,
		Mtimensec: mnsec,
		Ctimensec: cnsec,
		Mode:      a.Mode,
		Nlink:     a.Nlink,
		UID:       a.UID,
		GID:       a.GID,
		Rdev:      a.Rdev,
	}
}

func durationToTimeout(exp time.Time) (sec uint64, nsec uint32) {
	if exp.IsZero() {
		return 0, 0
	}
	d := time.Until(exp)
	if d < 0 {
		d = 0
	}
	sec = uint64(d / time.Second)
	nsec = uint32(d % time.Second)
	return
}

func appendEntryOut(om *buffer.OutMessage, e ChildInodeEntry) {
	eSec, eNsec := durationToTimeout(e.EntryExpiration)
	aSec, aNsec := durationToTimeout(e.AttributesExpiration)

	out := (*fusekernel.EntryOut)(om.Grow(int(unsafe.Sizeof(fusekernel.EntryOut{}))))
	*out = fusekernel.EntryOut{
		Nodeid:         uint64(e.Child),
		Generation:     uint64(e.Generation),
		EntryValid:     eSec,
		EntryValidNsec: eNsec,
		AttrValid:      aSec,
		AttrValidNsec:  aNsec,
		Attr:           e.Attributes.toFuseAttr(e.Child),
	}
}

func appendAttrOut(om *buffer.OutMessage, ino InodeID, attr InodeAttributes, expiration time.Time) {
	sec, nsec := durationToTimeout(expiration)
	out := (*fusekernel.AttrOut)(om.Grow(int(unsafe.Sizeof(fusekernel.AttrOut{}))))
	*out = fusekernel.AttrOut{
		AttrValid:     sec,
		AttrValidNsec: nsec,
		Attr:          attr.toFuseAttr(ino),
	}
}

////////////////////////////////////////////////////////////////////////
// INIT
////////////////////////////////////////////////////////////////////////

// InitOp is handled entirely by the Session during the handshake; it is
// never handed to the file system.
type InitOp struct {
	CommonOp

	Kernel fusekernel.Protocol

	// Negotiated output, filled in by the session before replying.
	Library      fusekernel.Protocol
	Flags        uint32
	MaxReadahead uint32
	MaxWrite     uint32

	// MaxBackground and CongestionThreshold default to the values spec'd
	// for this engine (12 and 9) when left zero.
	MaxBackground       uint16
	CongestionThreshold uint16
}

func (op *InitOp) KernelResponse(protocol fusekernel.Protocol) *buffer.OutMessage {
	maxBackground := op.MaxBackground
	if maxBackground == 0 {
		maxBackground = 12
	}
	congestionThreshold := op.CongestionThreshold
	if congestionThreshold == 0 {
		congestionThreshold = 9
	}

	om := newOutMessage()
	out := (*fusekernel.InitOut)(om.Grow(int(unsafe.Sizeof(fusekernel.InitOut{}))))
	*out = fusekernel.InitOut{
		Major:               op.Library.Major,
		Minor:               op.Library.Minor,
		MaxReadahead:        op.MaxReadahead,
		Flags:               op.Flags,
		MaxBackground:       maxBackground,
		CongestionThreshold: congestionThreshold,
		MaxWrite:            op.MaxWrite,
		TimeGran:            1,
	}
	return om
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// LookUpInodeOp looks up a child by name within a parent directory.
type LookUpInodeOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Entry  ChildInodeEntry
}

func (op *LookUpInodeOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	return om
}

// GetInodeAttributesOp refreshes the attributes for a previously
// looked-up inode.
type GetInodeAttributesOp struct {
	CommonOp
	Inode                InodeID
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *GetInodeAttributesOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendAttrOut(om, op.Inode, op.Attributes, op.AttributesExpiration)
	return om
}

// SetInodeAttributesOp changes one or more attributes for an inode,
// subject to the SETATTR valid-field bitmask it was decoded from.
type SetInodeAttributesOp struct {
	CommonOp
	Inode InodeID

	Size  *uint64
	Mode  *uint32
	Atime *time.Time
	Mtime *time.Time

	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (op *SetInodeAttributesOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendAttrOut(om, op.Inode, op.Attributes, op.AttributesExpiration)
	return om
}

// ForgetInodeOp informs the file system that the kernel has forgotten
// about an inode, dropping its reference count by N. There is no reply.
type ForgetInodeOp struct {
	CommonOp
	Inode InodeID
	N     uint64
}

func (op *ForgetInodeOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

// BatchForgetEntry is one (inode, count) pair within a BatchForgetOp.
type BatchForgetEntry struct {
	Inode InodeID
	N     uint64
}

// BatchForgetOp is the vectorized form of ForgetInodeOp. There is no
// reply.
type BatchForgetOp struct {
	CommonOp
	Entries []BatchForgetEntry
}

func (op *BatchForgetOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

type MkDirOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Mode   uint32
	Entry  ChildInodeEntry
}

func (op *MkDirOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	return om
}

type MkNodeOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Mode   uint32
	Rdev   uint32
	Entry  ChildInodeEntry
}

func (op *MkNodeOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	return om
}

type CreateFileOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Mode   uint32
	Flags  uint32
	Entry  ChildInodeEntry
	Handle HandleID
}

func (op *CreateFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	out := (*fusekernel.OpenOut)(om.Grow(int(unsafe.Sizeof(fusekernel.OpenOut{}))))
	*out = fusekernel.OpenOut{Fh: uint64(op.Handle)}
	return om
}

type CreateSymlinkOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Target string
	Entry  ChildInodeEntry
}

func (op *CreateSymlinkOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	return om
}

type CreateLinkOp struct {
	CommonOp
	Parent InodeID
	Name   string
	Target InodeID
	Entry  ChildInodeEntry
}

func (op *CreateLinkOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	appendEntryOut(om, op.Entry)
	return om
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

type RenameOp struct {
	CommonOp
	OldParent InodeID
	OldName   string
	NewParent InodeID
	NewName   string
	Flags     uint32
}

func (op *RenameOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

type RmDirOp struct {
	CommonOp
	Parent InodeID
	Name   string
}

func (op *RmDirOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

type UnlinkOp struct {
	CommonOp
	Parent InodeID
	Name   string
}

func (op *UnlinkOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

type OpenDirOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
}

func (op *OpenDirOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	out := (*fusekernel.OpenOut)(om.Grow(int(unsafe.Sizeof(fusekernel.OpenOut{}))))
	*out = fusekernel.OpenOut{Fh: uint64(op.Handle)}
	return om
}

type ReadDirOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
	Offset DirOffset
	Dst    []byte

	// Set by the file system: the number of bytes written into Dst, via
	// fuseutil.WriteDirent.
	BytesRead int

	// Plus indicates this was decoded from FUSE_READDIRPLUS: the kernel
	// also wants a full ChildInodeEntry for each returned name, which the
	// file system packs into Dst alongside the name with
	// fuseutil.WriteDirentPlus. Only Dst[:BytesRead] is sent; the engine
	// does not read Entries.
	Plus    bool
	Entries []ChildInodeEntry
}

func (op *ReadDirOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	om.Append(op.Dst[:op.BytesRead])
	return om
}

type ReleaseDirHandleOp struct {
	CommonOp
	Handle HandleID
}

func (op *ReleaseDirHandleOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

type OpenFileOp struct {
	CommonOp
	Inode         InodeID
	Flags         uint32
	Handle        HandleID
	KeepPageCache bool
	UseDirectIO   bool
}

func (op *OpenFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	var flags uint32
	if op.KeepPageCache {
		flags |= fusekernel.FOpenKeepCache
	}
	if op.UseDirectIO {
		flags |= fusekernel.FOpenDirectIO
	}
	out := (*fusekernel.OpenOut)(om.Grow(int(unsafe.Sizeof(fusekernel.OpenOut{}))))
	*out = fusekernel.OpenOut{Fh: uint64(op.Handle), OpenFlags: flags}
	return om
}

type ReadFileOp struct {
	CommonOp
	Inode     InodeID
	Handle    HandleID
	Offset    int64
	Dst       []byte
	BytesRead int

	// Callback invoked by the session once the reply, success or error, has
	// been written (or the write has failed), so long-lived buffers can be
	// released.
	Callback func()
}

func (op *ReadFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	om.Append(op.Dst[:op.BytesRead])
	return om
}

type WriteFileOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
	Offset int64
	Data   []byte

	Callback func()
}

func (op *WriteFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	out := (*fusekernel.WriteOut)(om.Grow(int(unsafe.Sizeof(fusekernel.WriteOut{}))))
	*out = fusekernel.WriteOut{Size: uint32(len(op.Data))}
	return om
}

type SyncFileOp struct {
	CommonOp
	Inode    InodeID
	Handle   HandleID
	DataOnly bool
}

func (op *SyncFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

type FlushFileOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
}

func (op *FlushFileOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

type ReleaseFileHandleOp struct {
	CommonOp
	Handle HandleID
}

func (op *ReleaseFileHandleOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

type FallocateOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
	Offset uint64
	Length uint64
	Mode   uint32
}

func (op *FallocateOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

// LseekOp implements SEEK_DATA/SEEK_HOLE, letting the file system report
// the next data or hole offset for a sparse file rather than falling back
// to a full linear scan in the kernel.
type LseekOp struct {
	CommonOp
	Inode  InodeID
	Handle HandleID
	Offset int64
	Whence uint32

	// Result, filled in by the file system.
	ResultOffset int64
}

func (op *LseekOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	out := (*fusekernel.LseekOut)(om.Grow(int(unsafe.Sizeof(fusekernel.LseekOut{}))))
	*out = fusekernel.LseekOut{Offset: uint64(op.ResultOffset)}
	return om
}

// CopyFileRangeOp asks the file system to copy Length bytes from
// (Inode, Handle, Offset) to (DstInode, DstHandle, DstOffset) server-side,
// without the data passing through the kernel page cache.
type CopyFileRangeOp struct {
	CommonOp
	Inode     InodeID
	Handle    HandleID
	Offset    int64
	DstInode  InodeID
	DstHandle HandleID
	DstOffset int64
	Length    uint64
	Flags     uint64

	// BytesCopied, filled in by the file system.
	BytesCopied uint32
}

func (op *CopyFileRangeOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	out := (*fusekernel.WriteOut)(om.Grow(int(unsafe.Sizeof(fusekernel.WriteOut{}))))
	*out = fusekernel.WriteOut{Size: op.BytesCopied}
	return om
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

type ReadSymlinkOp struct {
	CommonOp
	Inode  InodeID
	Target string
}

func (op *ReadSymlinkOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	om.AppendString(op.Target)
	return om
}

////////////////////////////////////////////////////////////////////////
// xattrs
////////////////////////////////////////////////////////////////////////

type GetXattrOp struct {
	CommonOp
	Inode     InodeID
	Name      string
	Dst       []byte
	BytesRead int
}

func (op *GetXattrOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	if op.Dst == nil {
		out := (*fusekernel.GetXAttrOut)(om.Grow(int(unsafe.Sizeof(fusekernel.GetXAttrOut{}))))
		*out = fusekernel.GetXAttrOut{Size: uint32(op.BytesRead)}
		return om
	}
	om.Append(op.Dst[:op.BytesRead])
	return om
}

type ListXattrOp struct {
	CommonOp
	Inode     InodeID
	Dst       []byte
	BytesRead int
}

func (op *ListXattrOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	if op.Dst == nil {
		out := (*fusekernel.GetXAttrOut)(om.Grow(int(unsafe.Sizeof(fusekernel.GetXAttrOut{}))))
		*out = fusekernel.GetXAttrOut{Size: uint32(op.BytesRead)}
		return om
	}
	om.Append(op.Dst[:op.BytesRead])
	return om
}

type SetXattrOp struct {
	CommonOp
	Inode InodeID
	Name  string
	Value []byte
	Flags uint32
}

func (op *SetXattrOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

type RemoveXattrOp struct {
	CommonOp
	Inode InodeID
	Name  string
}

func (op *RemoveXattrOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

////////////////////////////////////////////////////////////////////////
// Misc
////////////////////////////////////////////////////////////////////////

type StatFSOp struct {
	CommonOp

	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	IoSize      uint32
	Inodes      uint64
	InodesFree  uint64
}

func (op *StatFSOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	om := newOutMessage()
	out := (*fusekernel.StatfsOut)(om.Grow(int(unsafe.Sizeof(fusekernel.StatfsOut{}))))
	*out = fusekernel.StatfsOut{
		Blocks:  op.Blocks,
		Bfree:   op.BlocksFree,
		Bavail:  op.BlocksAvail,
		Files:   op.Inodes,
		Ffree:   op.InodesFree,
		Bsize:   op.BlockSize,
		Namelen: 255,
		Frsize:  op.BlockSize,
	}
	return om
}

type AccessOp struct {
	CommonOp
	Inode InodeID
	Mask  uint32
}

func (op *AccessOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

// InterruptOp is handled by the Session's interrupt table; it never
// reaches the file system and has no reply of its own.
type InterruptOp struct {
	CommonOp
	TargetUnique uint64
}

func (op *InterruptOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

// UnknownOp is returned by the decoder for an opcode this package doesn't
// model; the session replies ENOSYS without ever calling the file system.
type UnknownOp struct {
	CommonOp
	Opcode fusekernel.Opcode
}

func (op *UnknownOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}

// DestroyOp is sent once, when the kernel is unmounting the file system. It
// is dispatched to the file system like any other op and answered with an
// empty reply; the dispatch loop keeps running until the device reports
// that the mount is gone.
type DestroyOp struct {
	CommonOp
}

func (op *DestroyOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return newOutMessage()
}

// RetrieveReply is the data the kernel hands back in answer to a
// Notifier.Retrieve call.
type RetrieveReply struct {
	NotifyUnique uint64
	Inode        InodeID
	Offset       uint64
	Data         []byte
}

// NotifyReplyOp is decoded from a FUSE_NOTIFY_REPLY message, which the
// kernel sends only in answer to a prior RETRIEVE notification. It never
// reaches the file system: the Session's dispatch loop intercepts it and
// routes it to the Notifier that issued the matching Retrieve call.
type NotifyReplyOp struct {
	CommonOp
	Reply RetrieveReply
}

func (op *NotifyReplyOp) KernelResponse(p fusekernel.Protocol) *buffer.OutMessage {
	return nil
}
