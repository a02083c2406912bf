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
	"log"
)

// MountConfig holds the options that control how a Session negotiates its
// FUSE_INIT handshake and how it logs.
type MountConfig struct {
	// FSName is reported to the kernel as the source field of the mount,
	// visible in /proc/mounts.
	FSName string

	// Subtype is appended to the fuse. filesystem type reported to the
	// kernel, e.g. "fuse.heartbeatfs".
	Subtype string

	// ReadOnly requests the ro mount option.
	ReadOnly bool

	// DisableWritebackCaching turns off FUSE_WRITEBACK_CACHE negotiation,
	// forcing every write to be sent to the file system immediately rather
	// than buffered in the kernel page cache.
	DisableWritebackCaching bool

	// EnableAsyncReads allows the kernel to dispatch multiple concurrent
	// reads against the same file handle.
	EnableAsyncReads bool

	// EnableSymlinkCaching allows the kernel to cache symlink targets, if
	// it also offered FUSE_CACHE_SYMLINKS.
	EnableSymlinkCaching bool

	// EnableNoOpenSupport tells the kernel it need not call OpenFile at all
	// when the file system answers ENOSYS once, if it also offered
	// FUSE_NO_OPEN_SUPPORT.
	EnableNoOpenSupport bool

	// EnableNoOpendirSupport is as EnableNoOpenSupport, for OpenDir.
	EnableNoOpendirSupport bool

	// EnableParallelDirOps allows the kernel to send concurrent lookup and
	// readdir requests against a single directory.
	EnableParallelDirOps bool

	// MaxBackground bounds the number of concurrently in-flight
	// asynchronous background requests (primarily readahead). Zero uses
	// the engine's default of 12.
	MaxBackground uint16

	// CongestionThreshold is the number of in-flight background requests
	// above which the kernel is told the connection is congested. Zero uses
	// the engine's default of 9.
	CongestionThreshold uint16

	// OpContext, if non-nil, is used as the parent of every op's Context()
	// instead of context.Background().
	OpContext context.Context

	// DebugLogger, if non-nil, receives one line for every op dispatched to
	// the file system, written after Call returns and including its error.
	DebugLogger *log.Logger

	// ErrorLogger, if non-nil, receives a line for every op that completed
	// with an unexpected error.
	ErrorLogger *log.Logger
}
