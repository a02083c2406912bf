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

// Package fusekernel defines the byte-exact structures and constants that
// make up the Linux FUSE wire protocol, as read from and written to
// /dev/fuse. Nothing in this package does I/O; it is pure layout.
package fusekernel

// Protocol version bounds this package understands.
const (
	ProtoVersionMinMajor = 7
	ProtoVersionMinMinor = 8
	ProtoVersionMaxMajor = 7
	ProtoVersionMaxMinor = 31
)

// Protocol is a (major, minor) FUSE kernel protocol version.
type Protocol struct {
	Major uint32
	Minor uint32
}

// LT reports whether p is strictly older than other.
func (p Protocol) LT(other Protocol) bool {
	if p.Major != other.Major {
		return p.Major < other.Major
	}
	return p.Minor < other.Minor
}

// GE reports whether p is at least as new as other.
func (p Protocol) GE(other Protocol) bool {
	return !p.LT(other)
}

// Opcode identifies the kind of a request read from the kernel.
type Opcode uint32

const (
	OpLookup      Opcode = 1
	OpForget      Opcode = 2 // no reply
	OpGetattr     Opcode = 3
	OpSetattr     Opcode = 4
	OpReadlink    Opcode = 5
	OpSymlink     Opcode = 6
	OpMknod       Opcode = 8
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpRename      Opcode = 12
	OpLink        Opcode = 13
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpFsync       Opcode = 20
	OpSetxattr    Opcode = 21
	OpGetxattr    Opcode = 22
	OpListxattr   Opcode = 23
	OpRemovexattr Opcode = 24
	OpFlush       Opcode = 25
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpFsyncdir    Opcode = 30
	OpGetlk       Opcode = 31
	OpSetlk       Opcode = 32
	OpSetlkw      Opcode = 33
	OpAccess      Opcode = 34
	OpCreate      Opcode = 35
	OpInterrupt   Opcode = 36
	OpBmap        Opcode = 37
	OpDestroy     Opcode = 38
	OpIoctl       Opcode = 39
	OpPoll        Opcode = 40
	OpNotifyReply Opcode = 41
	OpBatchForget Opcode = 42
	OpFallocate     Opcode = 43
	OpReaddirplus   Opcode = 44
	OpRename2       Opcode = 45
	OpLseek         Opcode = 46
	OpCopyFileRange Opcode = 47

	OpCuseInit Opcode = 4096

	OpNotifyEntry Opcode = 51
	OpNotifyInode Opcode = 52
)

// NotifyCode identifies the kind of an unsolicited kernel-bound message.
type NotifyCode int32

const (
	NotifyCodePoll       NotifyCode = 1
	NotifyCodeInvalInode NotifyCode = 2
	NotifyCodeInvalEntry NotifyCode = 3
	NotifyCodeStore      NotifyCode = 4
	NotifyCodeRetrieve   NotifyCode = 5
	NotifyCodeDelete     NotifyCode = 6
)

// Init capability flags (negotiated as kernel-offered ∩ daemon-supported).
const (
	InitAsyncRead       = 1 << 0
	InitPosixLocks      = 1 << 1
	InitFileOps         = 1 << 2
	InitAtomicOTrunc    = 1 << 3
	InitExportSupport   = 1 << 4
	InitBigWrites       = 1 << 5
	InitDontMask        = 1 << 6
	InitSpliceWrite     = 1 << 7
	InitSpliceMove      = 1 << 8
	InitSpliceRead      = 1 << 9
	InitFlockLocks      = 1 << 10
	InitHasIoctlDir     = 1 << 11
	InitAutoInvalData   = 1 << 12
	InitDoReaddirplus   = 1 << 13
	InitReaddirplusAuto = 1 << 14
	InitAsyncDIO          = 1 << 15
	InitWritebackCache    = 1 << 16
	InitNoOpenSupport     = 1 << 17
	InitParallelDirOps    = 1 << 18
	InitHandleKillpriv    = 1 << 19
	InitPosixACL          = 1 << 20
	InitAbortError        = 1 << 21
	InitMaxPages          = 1 << 22
	InitCacheSymlinks     = 1 << 23
	InitNoOpendirSupport  = 1 << 24
	InitExplicitInvalData = 1 << 25
)

// SETATTR valid-field bitmask, decoded into SetAttrIn.Valid.
const (
	FattrMode      = 1 << 0
	FattrUID       = 1 << 1
	FattrGID       = 1 << 2
	FattrSize      = 1 << 3
	FattrAtime     = 1 << 4
	FattrMtime     = 1 << 5
	FattrFH        = 1 << 6
	FattrAtimeNow  = 1 << 7
	FattrMtimeNow  = 1 << 8
	FattrLockOwner = 1 << 9
)

// OPEN flags, as seen in OpenIn.Flags and returned in OpenOut.OpenFlags.
const (
	OpenReadOnly  = 0x0
	OpenWriteOnly = 0x1
	OpenReadWrite = 0x2

	FOpenDirectIO    = 1 << 0
	FOpenKeepCache   = 1 << 1
	FOpenNonSeekable = 1 << 2
	FOpenCacheDir    = 1 << 3
)

// RELEASE flags.
const (
	ReleaseFlush       = 1 << 0
	ReleaseFlockUnlock = 1 << 1
)

// WRITE flags.
const (
	WriteCache     = 1 << 0
	WriteLockOwner = 1 << 1
)

// READ flags.
const (
	ReadLockOwner = 1 << 1
)

// RENAME2 flags.
const (
	RenameNoReplace = 1 << 0
	RenameExchange  = 1 << 1
	RenameWhiteout  = 1 << 2
)

// GETATTR flags.
const (
	GetattrFH = 1 << 0
)

// access() mode bits used in AccessIn.Mask.
const (
	OkExec  = 1
	OkWrite = 2
	OkRead  = 4
)
