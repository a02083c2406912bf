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
	"log"
	"reflect"
	"unsafe"

	"github.com/kernelfs/fuse/internal/fusekernel"
)

// MaxReadSize bounds the largest READ reply payload (and therefore the
// largest OutMessage payload) this package will hand to the kernel.
const MaxReadSize = 1 << 20

// OutMessageInitialSize is the size of the leading header in every
// properly-constructed OutMessage. Reset brings the message back to this
// size.
const OutMessageInitialSize = uintptr(unsafe.Sizeof(fusekernel.OutHeader{}))

// OutMessage provides a mechanism for constructing a single contiguous fuse
// message from multiple segments, where the first segment is always a
// fusekernel.OutHeader message.
//
// Must be initialized with Reset.
type OutMessage struct {
	// The offset into the buffer to which we're currently writing, including
	// the header.
	offset uintptr

	header  [unsafe.Sizeof(fusekernel.OutHeader{})]byte
	payload [MaxReadSize]byte
}

// Make sure that the header field is aligned correctly for
// fusekernel.OutHeader type punning.
func init() {
	a := unsafe.Alignof(OutMessage{})
	o := unsafe.Offsetof(OutMessage{}.header)
	e := unsafe.Alignof(fusekernel.OutHeader{})

	if a%e != 0 || o%e != 0 {
		log.Panicf("Bad alignment or offset: %d, %d, need %d", a, o, e)
	}
}

// Make sure that the header and payload are contiguous.
func init() {
	a := unsafe.Offsetof(OutMessage{}.header) + OutMessageInitialSize
	b := unsafe.Offsetof(OutMessage{}.payload)

	if a != b {
		log.Panicf(
			"header ends at offset %d, but payload starts at offset %d",
			a, b)
	}
}

// Reset resets m so that it's ready to be used again. Afterward, the contents
// are solely a zeroed fusekernel.OutHeader struct.
func (m *OutMessage) Reset() {
	m.offset = OutMessageInitialSize
	memclr(unsafe.Pointer(&m.header), OutMessageInitialSize)
}

// OutHeader returns a pointer to the header at the start of the message.
func (m *OutMessage) OutHeader() *fusekernel.OutHeader {
	return (*fusekernel.OutHeader)(unsafe.Pointer(&m.header))
}

func (m *OutMessage) base() unsafe.Pointer {
	return unsafe.Pointer(&m.header)
}

// Grow grows m's buffer by the given number of bytes, returning a pointer to
// the start of the new segment, which is guaranteed to be zeroed. If there is
// insufficient space, it returns nil.
func (m *OutMessage) Grow(n int) unsafe.Pointer {
	p := m.GrowNoZero(n)
	if p == nil {
		return nil
	}

	memclr(p, uintptr(n))
	return p
}

// GrowNoZero is equivalent to Grow, except the new segment is not zeroed. Use
// with caution!
func (m *OutMessage) GrowNoZero(n int) unsafe.Pointer {
	if n < 0 {
		panic(fmt.Sprintf("GrowNoZero: negative size %d", n))
	}

	newOffset := m.offset + uintptr(n)
	if newOffset > uintptr(unsafe.Sizeof(m.header)+unsafe.Sizeof(m.payload)) {
		return nil
	}

	p := unsafe.Pointer(uintptr(m.base()) + m.offset)
	m.offset = newOffset
	return p
}

// ShrinkTo shrinks m to the given size. It panics if the size is greater than
// Len() or less than OutMessageInitialSize.
func (m *OutMessage) ShrinkTo(n uintptr) {
	if n < OutMessageInitialSize {
		panic(fmt.Sprintf("ShrinkTo: %d is less than header size", n))
	}

	if n > m.offset {
		panic(fmt.Sprintf("ShrinkTo: %d is greater than current length %d", n, m.offset))
	}

	m.offset = n
}

// Append is equivalent to growing by len(src), then copying src over the new
// segment. It panics if there is not enough room available.
func (m *OutMessage) Append(src []byte) {
	p := m.GrowNoZero(len(src))
	if p == nil {
		panic(fmt.Sprintf("Can't grow %d bytes", len(src)))
	}

	if len(src) == 0 {
		return
	}

	sh := (*reflect.SliceHeader)(unsafe.Pointer(&src))
	memmove(p, unsafe.Pointer(sh.Data), uintptr(sh.Len))
}

// AppendString is like Append, but accepts string input.
func (m *OutMessage) AppendString(src string) {
	p := m.GrowNoZero(len(src))
	if p == nil {
		panic(fmt.Sprintf("Can't grow %d bytes", len(src)))
	}

	if len(src) == 0 {
		return
	}

	sh := (*reflect.StringHeader)(unsafe.Pointer(&src))
	memmove(p, unsafe.Pointer(sh.Data), uintptr(sh.Len))
}

// Len returns the current size of the message, including the leading header.
func (m *OutMessage) Len() int {
	return int(m.offset)
}

// Bytes returns a reference to the current contents of the buffer, including
// the leading header.
func (m *OutMessage) Bytes() []byte {
	l := m.Len()
	sh := reflect.SliceHeader{
		Data: uintptr(m.base()),
		Len:  l,
		Cap:  l,
	}

	return *(*[]byte)(unsafe.Pointer(&sh))
}
