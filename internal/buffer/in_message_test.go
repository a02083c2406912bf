package buffer

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/kernelfs/fuse/internal/fusekernel"
)

func packInHeader(h fusekernel.InHeader, rest []byte) []byte {
	hdr := (*[unsafe.Sizeof(fusekernel.InHeader{})]byte)(unsafe.Pointer(&h))
	return append(append([]byte{}, hdr[:]...), rest...)
}

func TestInMessageInitAndHeader(t *testing.T) {
	want := fusekernel.InHeader{
		Len:    uint32(unsafe.Sizeof(fusekernel.InHeader{})) + 4,
		Opcode: fusekernel.OpGetattr,
		Unique: 123,
		NodeID: 7,
	}

	buf := packInHeader(want, []byte("abcd"))

	var m InMessage
	if err := m.Init(bytes.NewReader(buf)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	got := m.Header()
	if got.Opcode != want.Opcode || got.Unique != want.Unique || got.NodeID != want.NodeID {
		t.Fatalf("Header() = %+v, want %+v", *got, want)
	}

	rest := m.ConsumeBytes(4)
	if !bytes.Equal(rest, []byte("abcd")) {
		t.Fatalf("ConsumeBytes = %q, want %q", rest, "abcd")
	}

	if m.Consume(1) != nil {
		t.Fatal("Consume past end of message should fail")
	}
}

func TestInMessageShortRead(t *testing.T) {
	var m InMessage
	err := m.Init(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("expected error for short message")
	}
}

func TestInMessageConsumeCString(t *testing.T) {
	want := fusekernel.InHeader{Opcode: fusekernel.OpLookup}
	buf := packInHeader(want, []byte("child\x00trailing"))

	var m InMessage
	if err := m.Init(bytes.NewReader(buf)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	s, ok := m.ConsumeCString()
	if !ok || s != "child" {
		t.Fatalf("ConsumeCString() = %q, %v; want %q, true", s, ok, "child")
	}
}
