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
	"reflect"
	"time"
	"unsafe"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// decodeMessage turns a freshly-read InMessage into a typed fuseops.Op,
// returning ErrProtocol if the message doesn't match the shape its opcode
// demands. ctx is the connection-scoped context each op's span is rooted
// in; proto is the protocol negotiated during Init (zero before Init
// completes, since the INIT message predates negotiation).
func decodeMessage(ctx context.Context, m *buffer.InMessage, proto fusekernel.Protocol) (fuseops.Op, error) {
	h := m.Header()

	header := fuseops.OpHeader{
		Unique: h.Unique,
		Inode:  fuseops.InodeID(h.NodeID),
		UID:    h.UID,
		GID:    h.GID,
		PID:    h.PID,
	}

	var op fuseops.Op

	switch h.Opcode {
	case fusekernel.OpInit:
		in := consume[fusekernel.InitIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		to := &fuseops.InitOp{
			Kernel:       fusekernel.Protocol{Major: in.Major, Minor: in.Minor},
			Flags:        in.Flags,
			MaxReadahead: in.MaxReadahead,
		}
		op = to

	case fusekernel.OpLookup:
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.LookUpInodeOp{Parent: header.Inode, Name: name}

	case fusekernel.OpForget:
		in := consume[fusekernel.ForgetIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.ForgetInodeOp{Inode: header.Inode, N: in.Nlookup}

	case fusekernel.OpBatchForget:
		in := consume[fusekernel.BatchForgetIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		entries := make([]fuseops.BatchForgetEntry, 0, in.Count)
		for i := uint32(0); i < in.Count; i++ {
			one := consume[fusekernel.ForgetOne](m)
			if one == nil {
				return nil, ErrProtocol
			}
			entries = append(entries, fuseops.BatchForgetEntry{
				Inode: fuseops.InodeID(one.Nodeid),
				N:     one.Nlookup,
			})
		}
		op = &fuseops.BatchForgetOp{Entries: entries}

	case fusekernel.OpGetattr:
		// The optional fuse_getattr_in trailer was added in protocol 7.9;
		// a kernel negotiating below that sends only the bare header.
		if proto.GE(fusekernel.Protocol{Major: 7, Minor: 9}) {
			if consume[fusekernel.GetattrIn](m) == nil {
				return nil, ErrProtocol
			}
		}
		op = &fuseops.GetInodeAttributesOp{Inode: header.Inode}

	case fusekernel.OpSetattr:
		in := consume[fusekernel.SetAttrIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		to := &fuseops.SetInodeAttributesOp{Inode: header.Inode}
		if in.Valid&fusekernel.FattrSize != 0 {
			size := in.Size
			to.Size = &size
		}
		if in.Valid&fusekernel.FattrMode != 0 {
			mode := in.Mode
			to.Mode = &mode
		}
		if in.Valid&fusekernel.FattrAtime != 0 {
			atime := time.Unix(int64(in.Atime), int64(in.AtimeNsec))
			to.Atime = &atime
		}
		if in.Valid&fusekernel.FattrMtime != 0 {
			mtime := time.Unix(int64(in.Mtime), int64(in.MtimeNsec))
			to.Mtime = &mtime
		}
		op = to

	case fusekernel.OpReadlink:
		op = &fuseops.ReadSymlinkOp{Inode: header.Inode}

	case fusekernel.OpSymlink:
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		target, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.CreateSymlinkOp{Parent: header.Inode, Name: name, Target: target}

	case fusekernel.OpMknod:
		in := consume[fusekernel.MknodIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.MkNodeOp{Parent: header.Inode, Name: name, Mode: in.Mode, Rdev: in.Rdev}

	case fusekernel.OpMkdir:
		in := consume[fusekernel.MkdirIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.MkDirOp{Parent: header.Inode, Name: name, Mode: in.Mode}

	case fusekernel.OpUnlink:
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.UnlinkOp{Parent: header.Inode, Name: name}

	case fusekernel.OpRmdir:
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.RmDirOp{Parent: header.Inode, Name: name}

	case fusekernel.OpRename:
		in := consume[fusekernel.RenameIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		oldName, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		newName, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.RenameOp{
			OldParent: header.Inode,
			OldName:   oldName,
			NewParent: fuseops.InodeID(in.Newdir),
			NewName:   newName,
		}

	case fusekernel.OpRename2:
		in := consume[fusekernel.Rename2In](m)
		if in == nil {
			return nil, ErrProtocol
		}
		oldName, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		newName, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.RenameOp{
			OldParent: header.Inode,
			OldName:   oldName,
			NewParent: fuseops.InodeID(in.Newdir),
			NewName:   newName,
			Flags:     in.Flags,
		}

	case fusekernel.OpLink:
		in := consume[fusekernel.LinkIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.CreateLinkOp{Parent: header.Inode, Name: name, Target: fuseops.InodeID(in.Oldnodeid)}

	case fusekernel.OpOpen:
		in := consume[fusekernel.OpenIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.OpenFileOp{Inode: header.Inode, Flags: in.Flags}

	case fusekernel.OpRead:
		fh, offset, size, ok := decodeReadIn(m, proto)
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.ReadFileOp{
			Inode:  header.Inode,
			Handle: fuseops.HandleID(fh),
			Offset: int64(offset),
			Dst:    make([]byte, size),
		}

	case fusekernel.OpWrite:
		fh, offset, size, ok := decodeWriteIn(m, proto)
		if !ok {
			return nil, ErrProtocol
		}
		data := m.ConsumeBytes(uintptr(size))
		if data == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.WriteFileOp{
			Inode:  header.Inode,
			Handle: fuseops.HandleID(fh),
			Offset: int64(offset),
			Data:   data,
		}

	case fusekernel.OpStatfs:
		op = &fuseops.StatFSOp{}

	case fusekernel.OpRelease:
		in := consume[fusekernel.ReleaseIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.ReleaseFileHandleOp{Handle: fuseops.HandleID(in.Fh)}

	case fusekernel.OpFsync:
		in := consume[fusekernel.FsyncIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.SyncFileOp{Inode: header.Inode, Handle: fuseops.HandleID(in.Fh)}

	case fusekernel.OpSetxattr:
		in := consume[fusekernel.SetXAttrIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		value := m.ConsumeBytes(uintptr(in.Size))
		if value == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.SetXattrOp{Inode: header.Inode, Name: name, Value: value, Flags: in.Flags}

	case fusekernel.OpGetxattr:
		in := consume[fusekernel.GetXAttrIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		to := &fuseops.GetXattrOp{Inode: header.Inode, Name: name}
		if in.Size > 0 {
			to.Dst = make([]byte, in.Size)
		}
		op = to

	case fusekernel.OpListxattr:
		in := consume[fusekernel.GetXAttrIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		to := &fuseops.ListXattrOp{Inode: header.Inode}
		if in.Size > 0 {
			to.Dst = make([]byte, in.Size)
		}
		op = to

	case fusekernel.OpRemovexattr:
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.RemoveXattrOp{Inode: header.Inode, Name: name}

	case fusekernel.OpFlush:
		in := consume[fusekernel.FlushIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.FlushFileOp{Inode: header.Inode, Handle: fuseops.HandleID(in.Fh)}

	case fusekernel.OpOpendir:
		if consume[fusekernel.OpenIn](m) == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.OpenDirOp{Inode: header.Inode}

	case fusekernel.OpReaddir, fusekernel.OpReaddirplus:
		fh, offset, size, ok := decodeReadIn(m, proto)
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.ReadDirOp{
			Inode:  header.Inode,
			Handle: fuseops.HandleID(fh),
			Offset: fuseops.DirOffset(offset),
			Dst:    make([]byte, size),
			Plus:   h.Opcode == fusekernel.OpReaddirplus,
		}

	case fusekernel.OpReleasedir:
		in := consume[fusekernel.ReleaseIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.ReleaseDirHandleOp{Handle: fuseops.HandleID(in.Fh)}

	case fusekernel.OpFsyncdir:
		in := consume[fusekernel.FsyncIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.SyncFileOp{Inode: header.Inode, Handle: fuseops.HandleID(in.Fh)}

	case fusekernel.OpAccess:
		in := consume[fusekernel.AccessIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.AccessOp{Inode: header.Inode, Mask: in.Mask}

	case fusekernel.OpCreate:
		in := consume[fusekernel.CreateIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		name, ok := m.ConsumeCString()
		if !ok {
			return nil, ErrProtocol
		}
		op = &fuseops.CreateFileOp{Parent: header.Inode, Name: name, Mode: in.Mode, Flags: in.Flags}

	case fusekernel.OpInterrupt:
		in := consume[fusekernel.InterruptIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.InterruptOp{TargetUnique: in.Unique}

	case fusekernel.OpFallocate:
		in := consume[fusekernel.FallocateIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.FallocateOp{
			Inode:  header.Inode,
			Handle: fuseops.HandleID(in.Fh),
			Offset: in.Offset,
			Length: in.Length,
			Mode:   in.Mode,
		}

	case fusekernel.OpLseek:
		in := consume[fusekernel.LseekIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.LseekOp{
			Inode:  header.Inode,
			Handle: fuseops.HandleID(in.Fh),
			Offset: int64(in.Offset),
			Whence: in.Whence,
		}

	case fusekernel.OpCopyFileRange:
		in := consume[fusekernel.CopyFileRangeIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		op = &fuseops.CopyFileRangeOp{
			Inode:      header.Inode,
			Handle:     fuseops.HandleID(in.FhIn),
			Offset:     int64(in.OffIn),
			DstInode:   fuseops.InodeID(in.NodeIDOut),
			DstHandle:  fuseops.HandleID(in.FhOut),
			DstOffset:  int64(in.OffOut),
			Length:     in.Len,
			Flags:      in.Flags,
		}

	case fusekernel.OpDestroy:
		op = &fuseops.DestroyOp{}

	case fusekernel.OpNotifyReply:
		in := consume[fusekernel.NotifyRetrieveIn](m)
		if in == nil {
			return nil, ErrProtocol
		}
		data := m.ConsumeBytes(m.Remaining())
		op = &fuseops.NotifyReplyOp{Reply: fuseops.RetrieveReply{
			NotifyUnique: h.Unique,
			Inode:        header.Inode,
			Offset:       in.Offset,
			Data:         data,
		}}

	default:
		op = &fuseops.UnknownOp{Opcode: h.Opcode}
	}

	// Finish construction: wire up tracing/header via the exported but
	// internal-use SetCommon hook.
	var common fuseops.CommonOp
	common.Init(ctx, reflect.TypeOf(op), header)
	op.SetCommon(common)

	return op, nil
}

// proto9 is the protocol version at which fuse_read_in and fuse_write_in
// grew their ReadFlags/LockOwner/Flags/Padding tail.
var proto9 = fusekernel.Protocol{Major: 7, Minor: 9}

// decodeReadIn consumes a READ/READDIR/READDIRPLUS argument struct,
// choosing the pre- or post-7.9 wire layout based on the negotiated
// protocol so the byte count consumed always matches what the kernel
// actually sent.
func decodeReadIn(m *buffer.InMessage, proto fusekernel.Protocol) (fh, offset uint64, size uint32, ok bool) {
	if proto.GE(proto9) {
		in := consume[fusekernel.ReadIn](m)
		if in == nil {
			return 0, 0, 0, false
		}
		return in.Fh, in.Offset, in.Size, true
	}

	in := consume[fusekernel.ReadInCompat](m)
	if in == nil {
		return 0, 0, 0, false
	}
	return in.Fh, in.Offset, in.Size, true
}

// decodeWriteIn is decodeReadIn's counterpart for WRITE.
func decodeWriteIn(m *buffer.InMessage, proto fusekernel.Protocol) (fh, offset uint64, size uint32, ok bool) {
	if proto.GE(proto9) {
		in := consume[fusekernel.WriteIn](m)
		if in == nil {
			return 0, 0, 0, false
		}
		return in.Fh, in.Offset, in.Size, true
	}

	in := consume[fusekernel.WriteInCompat](m)
	if in == nil {
		return 0, 0, 0, false
	}
	return in.Fh, in.Offset, in.Size, true
}

// consume reads sizeof(T) bytes from m and reinterprets them as a *T,
// returning nil if too few bytes remain.
func consume[T any](m *buffer.InMessage) *T {
	var zero T
	p := m.Consume(unsafe.Sizeof(zero))
	if p == nil {
		return nil
	}
	return (*T)(p)
}
