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

package buffer

import (
	"fmt"
	"io"
	"reflect"
	"unsafe"

	"github.com/kernelfs/fuse/internal/fusekernel"
)

// bufferHeaderOverhead is extra room above MaxReadSize reserved for request
// header bytes, matching libfuse's FUSE_BUFFER_HEADER_SIZE: the kernel can
// attach up to this many bytes of header in front of a WRITE request's
// payload, and a read(2) off /dev/fuse must be sized to receive the whole
// message in one call or the kernel returns EINVAL.
const bufferHeaderOverhead = 1 << 12

// inMessageBufSize is the largest single message this package will ever
// read from /dev/fuse: MaxReadSize (the max_write this engine reports to
// the kernel during FUSE_INIT) plus header overhead.
const inMessageBufSize = MaxReadSize + bufferHeaderOverhead

// An incoming message from the kernel, including leading fusekernel.InHeader
// struct. Provides storage for messages and convenient access to their
// contents.
type InMessage struct {
	buf [inMessageBufSize]byte

	// The number of bytes actually populated by the most recent Init, and
	// the consumption offset into them (past the header).
	n      uintptr
	offset uintptr
}

// Init reads a single message from r into m, ready for Consume calls
// starting just after the leading fusekernel.InHeader. The destination
// buffer is sized to hold the largest message the kernel can legally send
// given this engine's negotiated max_write, so the read always completes in
// one call.
func (m *InMessage) Init(r io.Reader) (err error) {
	n, err := r.Read(m.buf[:])
	if err != nil {
		return err
	}

	if uintptr(n) < unsafe.Sizeof(fusekernel.InHeader{}) {
		return fmt.Errorf("fuse: short read (%d bytes, need at least %d)",
			n, unsafe.Sizeof(fusekernel.InHeader{}))
	}

	m.n = uintptr(n)
	m.offset = unsafe.Sizeof(fusekernel.InHeader{})
	return nil
}

// Header returns a reference to the header read in the most recent call to
// Init.
func (m *InMessage) Header() *fusekernel.InHeader {
	return (*fusekernel.InHeader)(unsafe.Pointer(&m.buf[0]))
}

// Consume consumes the next n bytes from the message, returning a nil
// pointer if there are fewer than n bytes available.
func (m *InMessage) Consume(n uintptr) unsafe.Pointer {
	if n > m.n-m.offset {
		return nil
	}

	p := unsafe.Pointer(&m.buf[m.offset])
	m.offset += n
	return p
}

// ConsumeBytes is equivalent to Consume, except it returns a slice of
// bytes. The result is nil if Consume would fail.
func (m *InMessage) ConsumeBytes(n uintptr) []byte {
	p := m.Consume(n)
	if p == nil {
		return nil
	}

	sh := reflect.SliceHeader{
		Data: uintptr(p),
		Len:  int(n),
		Cap:  int(n),
	}
	return *(*[]byte)(unsafe.Pointer(&sh))
}

// Remaining reports how many bytes are left to consume.
func (m *InMessage) Remaining() uintptr {
	return m.n - m.offset
}

// ConsumeCString consumes a NUL-terminated string from the remainder of the
// message, not including the trailing NUL. It returns false if there is no
// NUL byte left in the message.
func (m *InMessage) ConsumeCString() (string, bool) {
	rest := m.buf[m.offset:m.n]
	for i, b := range rest {
		if b == 0 {
			s := string(rest[:i])
			m.offset += uintptr(i) + 1
			return s, true
		}
	}
	return "", false
}
