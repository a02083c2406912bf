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

	"github.com/kernelfs/fuse/fuseops"
)

// FileSystem is the interface a daemon implements to answer requests
// decoded from the kernel. A Session calls Call once per decoded op,
// concurrently across ops, after filling in the op's input fields; the
// implementation mutates the op's output fields and returns an error (or
// nil), after which the Session encodes and sends the reply.
//
// Implementations must be safe for concurrent use: the Session does not
// serialize calls to Call, except that it guarantees all replies are
// ordered as the kernel requires (exactly once, eventually, for every op
// that expects one).
type FileSystem interface {
	Call(ctx context.Context, op fuseops.Op) error
}

// NotImplementedFileSystem answers ENOSYS for every op. Embed it in a
// FileSystem implementation to avoid writing out stub methods for ops the
// daemon doesn't care to support; the real ops still flow through Call,
// but the embedder only needs to handle a type switch for what it cares
// about before falling back to this default.
type NotImplementedFileSystem struct{}

func (fs *NotImplementedFileSystem) Call(ctx context.Context, op fuseops.Op) error {
	return ENOSYS
}
