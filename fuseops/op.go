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

// Package fuseops defines the catalog of requests a FUSE daemon may receive
// from the kernel, as a tagged union of concrete Go types implementing the
// Op interface. Each concrete type corresponds to one opcode in the wire
// protocol; the file system fills in its exported output fields and returns
// an error (or nil) from FileSystem.Call, and the engine takes care of
// encoding the reply.
package fuseops

import (
	"context"
	"time"

	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// InodeID is the FUSE VFS layer's name for an inode, stable for the
// lifetime of the kernel's reference to it (see lookup counts).
type InodeID uint64

// RootInodeID is the inode ID the kernel uses to refer to the root of the
// file system; it never needs to be looked up.
const RootInodeID InodeID = 1

// HandleID is the file system's name for an open file or directory handle,
// returned from OpenFileOp/OpenDirOp and threaded back through subsequent
// requests against that handle.
type HandleID uint64

// DirOffset is an opaque cursor into a directory's entry stream, as
// returned in a Dirent and later echoed back in ReadDirOp.Offset.
type DirOffset uint64

// GenerationNumber disambiguates an InodeID that has been reused after the
// kernel dropped its reference to a previous inode occupying the same
// number.
type GenerationNumber uint64

// HandleLockOwner identifies a POSIX lock owner across several file
// descriptors sharing the same open file description.
type HandleLockOwner uint64

// OpHeader carries information common to every request, regardless of
// type: which unique ID the kernel assigned it, and which process sent it.
type OpHeader struct {
	// Unique identifies this request among all requests outstanding on this
	// connection. Unsolicited kernel-bound notifications are not requests
	// and do not carry one of these.
	Unique uint64

	// The inode this request targets, or zero if the opcode has no natural
	// target inode (e.g. INIT).
	Inode InodeID

	UID uint32
	GID uint32
	PID uint32
}

// Op is implemented by every request type in this package. A Go
// implementation of a FUSE daemon receives values of this type from the
// engine's decode loop and is expected to mutate their exported output
// fields before returning from FileSystem.Call.
type Op interface {
	// Header returns the request's common fields.
	Header() OpHeader

	// ShortDesc returns a short human-readable description of the op
	// appropriate for debug logging.
	ShortDesc() string

	// KernelResponse builds the wire reply for a successful completion of
	// this op, given the negotiated protocol version. It is an
	// implementation detail of the fuse package's reply encoder and must
	// not be called by file systems.
	KernelResponse(protocol fusekernel.Protocol) *buffer.OutMessage

	// SetCommon and Common give the fuse package's decoder and engine
	// access to the embedded CommonOp without needing to know the concrete
	// Op type. File systems should use Header/ShortDesc/Context instead.
	SetCommon(c CommonOp)
	Common() *CommonOp
}

// ConnectionInfo describes the result of the FUSE_INIT handshake: the
// negotiated protocol version and capability set the file system may rely
// on for the lifetime of the connection.
type ConnectionInfo struct {
	Protocol fusekernel.Protocol

	// Negotiated capability flags (kernel-offered ∩ daemon-supported).
	Flags uint32

	MaxReadahead        uint32
	MaxWrite            uint32
	MaxBackground       uint16
	CongestionThreshold uint16
}

// SupportsFlag reports whether the given fusekernel.Init* capability flag
// was negotiated on for this connection.
func (ci ConnectionInfo) SupportsFlag(flag uint32) bool {
	return ci.Flags&flag != 0
}

// InodeAttributes mirrors the subset of struct stat a file system needs to
// report for an inode.
type InodeAttributes struct {
	Size   uint64
	Nlink  uint32
	Mode   uint32 // includes the file type bits, as in st_mode
	UID    uint32
	GID    uint32
	Rdev   uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

// ChildInodeEntry is returned by operations that resolve a name to an
// inode: LookUpInodeOp, MkDirOp, MkNodeOp, CreateFileOp, CreateSymlinkOp,
// CreateLinkOp.
type ChildInodeEntry struct {
	Child      InodeID
	Generation GenerationNumber

	Attributes InodeAttributes

	// The kernel may cache both the entry mapping (name -> inode) and the
	// attributes independently; these two durations bound how long it's
	// allowed to before asking again.
	EntryExpiration      time.Time
	AttributesExpiration time.Time
}

// Dirent is a single entry returned by ReadDirOp, ready to be packed onto
// the wire with fuseutil.WriteDirent.
type Dirent struct {
	Offset DirOffset
	Inode  InodeID
	Name   string
	Type   DirentType
}

// DirentType describes what kind of inode a Dirent names, using the same
// numeric values as the kernel's DT_* dirent type bits so no translation is
// needed when packing a Dirent onto the wire.
type DirentType uint32

const (
	DT_Unknown   DirentType = fusekernel.DTUnknown
	DT_FIFO      DirentType = fusekernel.DTFifo
	DT_Char      DirentType = fusekernel.DTChr
	DT_Directory DirentType = fusekernel.DTDir
	DT_Block     DirentType = fusekernel.DTBlk
	DT_File      DirentType = fusekernel.DTReg
	DT_Link      DirentType = fusekernel.DTLnk
	DT_Socket    DirentType = fusekernel.DTSock
)
