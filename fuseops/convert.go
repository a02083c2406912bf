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
	"syscall"
	"time"
)

// AttrFromStat converts a syscall.Stat_t, as obtained from a real
// underlying file, into the InodeAttributes shape the kernel expects on
// the wire. File systems backed by an underlying POSIX file system
// typically call this from their GetInodeAttributesOp/LookUpInodeOp
// handlers rather than hand-assembling InodeAttributes themselves.
func AttrFromStat(stat *syscall.Stat_t) InodeAttributes {
	return InodeAttributes{
		Size:  uint64(stat.Size),
		Nlink: uint32(stat.Nlink),
		Mode:  stat.Mode,
		UID:   stat.Uid,
		GID:   stat.Gid,
		Rdev:  uint32(stat.Rdev),
		Atime: time.Unix(stat.Atim.Sec, stat.Atim.Nsec),
		Mtime: time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec),
		Ctime: time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec),
	}
}
