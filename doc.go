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

// Package fuse implements the Linux FUSE kernel wire protocol: reading
// requests off /dev/fuse, decoding them into the fuseops.Op catalog,
// dispatching them to a user-supplied FileSystem, and encoding replies back
// onto the wire.
//
// The primary elements of interest are:
//
//   - FileSystem, the single-method interface a daemon implements.
//
//   - NotImplementedFileSystem, which may be embedded to answer ENOSYS for
//     any op a particular daemon doesn't care about.
//
//   - Session, which owns a mounted connection's request/reply loop and its
//     Notifier.
//
// Actually placing /dev/fuse at a mountpoint is outside this package's
// concern; see Mount and Unmount for a thin wrapper around the
// fusermount(1) helper.
package fuse
