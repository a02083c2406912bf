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

package fuseutil

import (
	"time"
	"unsafe"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

// direntAlignment is FUSE_DIRENT_ALIGN: every fuse_dirent record in a
// READDIR reply must start on an 8-byte boundary.
const direntAlignment = 8

func direntPadding(nameLen int) int {
	if nameLen%direntAlignment == 0 {
		return 0
	}
	return direntAlignment - nameLen%direntAlignment
}

// WriteDirent packs d into buf using the on-wire fuse_dirent layout
// fusekernel.Dirent describes, returning the number of bytes written, or
// zero if d would not fit.
func WriteDirent(buf []byte, d fuseops.Dirent) (n int) {
	const direntSize = int(unsafe.Sizeof(fusekernel.Dirent{}))

	pad := direntPadding(len(d.Name))
	if direntSize+len(d.Name)+pad > len(buf) {
		return 0
	}

	de := fusekernel.Dirent{
		Ino:     uint64(d.Inode),
		Off:     uint64(d.Offset),
		Namelen: uint32(len(d.Name)),
		Type:    uint32(d.Type),
	}
	n += copy(buf[n:], (*[unsafe.Sizeof(fusekernel.Dirent{})]byte)(unsafe.Pointer(&de))[:])
	n += copy(buf[n:], d.Name)
	if pad != 0 {
		var padding [direntAlignment]byte
		n += copy(buf[n:], padding[:pad])
	}
	return n
}

// WriteDirentPlus packs d and its already-resolved entry e into buf using
// the on-wire fuse_direntplus layout FUSE_READDIRPLUS expects: a
// fuse_entry_out immediately followed by the usual fuse_dirent record. A
// file system answering a fuseops.ReadDirOp with Plus set packs each entry
// into ReadDirOp.Dst with this function, so the kernel can cache the
// child's attributes without a follow-up LOOKUP. Returns zero if the pair
// would not fit.
func WriteDirentPlus(buf []byte, d fuseops.Dirent, e fuseops.ChildInodeEntry) (n int) {
	const entrySize = int(unsafe.Sizeof(fusekernel.EntryOut{}))
	const direntSize = int(unsafe.Sizeof(fusekernel.Dirent{}))

	pad := direntPadding(len(d.Name))
	if entrySize+direntSize+len(d.Name)+pad > len(buf) {
		return 0
	}

	eo := entryOut(e)
	n += copy(buf[n:], (*[unsafe.Sizeof(fusekernel.EntryOut{})]byte)(unsafe.Pointer(&eo))[:])

	de := fusekernel.Dirent{
		Ino:     uint64(d.Inode),
		Off:     uint64(d.Offset),
		Namelen: uint32(len(d.Name)),
		Type:    uint32(d.Type),
	}
	n += copy(buf[n:], (*[unsafe.Sizeof(fusekernel.Dirent{})]byte)(unsafe.Pointer(&de))[:])
	n += copy(buf[n:], d.Name)
	if pad != 0 {
		var padding [direntAlignment]byte
		n += copy(buf[n:], padding[:pad])
	}
	return n
}

func kernelTimespec(t time.Time) (sec uint64, nsec uint32) {
	if t.IsZero() {
		return 0, 0
	}
	return uint64(t.Unix()), uint32(t.Nanosecond())
}

func direntTimeout(exp time.Time) (sec uint64, nsec uint32) {
	if exp.IsZero() {
		return 0, 0
	}
	d := time.Until(exp)
	if d < 0 {
		d = 0
	}
	return uint64(d / time.Second), uint32(d % time.Second)
}

// entryOut builds the fuse_entry_out half of a fuse_direntplus record. It
// mirrors fuseops' own (unexported) entry encoding, duplicated here because
// a ReadDirOp's Plus entries are built by fuseutil, not the fuse package.
func entryOut(e fuseops.ChildInodeEntry) fusekernel.EntryOut {
	a := e.Attributes
	asec, ansec := kernelTimespec(a.Atime)
	msec, mnsec := kernelTimespec(a.Mtime)
	csec, cnsec := kernelTimespec(a.Ctime)
	eSec, eNsec := direntTimeout(e.EntryExpiration)
	aSec, aNsec := direntTimeout(e.AttributesExpiration)

	return fusekernel.EntryOut{
		Nodeid:         uint64(e.Child),
		Generation:     uint64(e.Generation),
		EntryValid:     eSec,
		EntryValidNsec: eNsec,
		AttrValid:      aSec,
		AttrValidNsec:  aNsec,
		Attr: fusekernel.Attr{
			Ino:       uint64(e.Child),
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
		},
	}
}
