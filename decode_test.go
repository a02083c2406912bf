package fuse

import (
	"bytes"
	"context"
	"testing"
	"unsafe"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelfs/fuse/fuseops"
	"github.com/kernelfs/fuse/internal/buffer"
	"github.com/kernelfs/fuse/internal/fusekernel"
)

func packMessage(h fusekernel.InHeader, body []byte) []byte {
	hdr := (*[unsafe.Sizeof(fusekernel.InHeader{})]byte)(unsafe.Pointer(&h))
	return append(append([]byte{}, hdr[:]...), body...)
}

// negotiatedProto is the protocol version decodeBytes pretends Init already
// negotiated: recent enough that every version-gated struct (fuse_getattr_in,
// the 7.9 fuse_read_in/fuse_write_in tail) is on the wire, matching what a
// real post-handshake session would see. Tests of the older, pre-7.9 layouts
// call decodeMessage directly with an explicit older Protocol.
var negotiatedProto = fusekernel.Protocol{Major: 7, Minor: 31}

func decodeBytes(t *testing.T, h fusekernel.InHeader, body []byte) fuseops.Op {
	t.Helper()
	return decodeBytesProto(t, h, body, negotiatedProto)
}

func decodeBytesProto(t *testing.T, h fusekernel.InHeader, body []byte, proto fusekernel.Protocol) fuseops.Op {
	t.Helper()
	h.Len = uint32(unsafe.Sizeof(fusekernel.InHeader{}) + uintptr(len(body)))

	var m buffer.InMessage
	require.NoError(t, m.Init(bytes.NewReader(packMessage(h, body))))

	op, err := decodeMessage(context.Background(), &m, proto)
	require.NoError(t, err)
	return op
}

func TestDecodeLookUp(t *testing.T) {
	h := fusekernel.InHeader{Opcode: fusekernel.OpLookup, Unique: 1, NodeID: 42, UID: 99, GID: 100, PID: 7}
	op := decodeBytes(t, h, append([]byte("some-name"), 0))

	lookup, ok := op.(*fuseops.LookUpInodeOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.InodeID(42), lookup.Parent)
	assert.Equal(t, "some-name", lookup.Name)

	wantHeader := fuseops.OpHeader{Unique: 1, Inode: 42, UID: 99, GID: 100, PID: 7}
	if diff := pretty.Compare(wantHeader, lookup.Header()); diff != "" {
		t.Errorf("Header() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSetattrSizeAndMode(t *testing.T) {
	in := fusekernel.SetAttrIn{SetAttrInCommon: fusekernel.SetAttrInCommon{
		Valid: fusekernel.FattrSize | fusekernel.FattrMode,
		Size:  4096,
		Mode:  0644,
	}}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpSetattr, Unique: 2, NodeID: 7}
	op := decodeBytes(t, h, body)

	setattr, ok := op.(*fuseops.SetInodeAttributesOp)
	require.True(t, ok, "got %T", op)
	require.NotNil(t, setattr.Size)
	require.NotNil(t, setattr.Mode)
	assert.Equal(t, uint64(4096), *setattr.Size)
	assert.Equal(t, uint32(0644), *setattr.Mode)
	assert.Nil(t, setattr.Atime)
	assert.Nil(t, setattr.Mtime)
}

func TestDecodeReaddirplusSetsPlus(t *testing.T) {
	in := fusekernel.ReadIn{Fh: 3, Offset: 0, Size: 4096}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpReaddirplus, Unique: 3, NodeID: 1}
	op := decodeBytes(t, h, body)

	readdir, ok := op.(*fuseops.ReadDirOp)
	require.True(t, ok, "got %T", op)
	assert.True(t, readdir.Plus)
	assert.Equal(t, fuseops.HandleID(3), readdir.Handle)
}

func TestDecodeReadPre79UsesCompatLayout(t *testing.T) {
	in := fusekernel.ReadInCompat{Fh: 5, Offset: 128, Size: 64}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpRead, Unique: 5, NodeID: 9}
	old := fusekernel.Protocol{Major: 7, Minor: 8}
	op := decodeBytesProto(t, h, body, old)

	read, ok := op.(*fuseops.ReadFileOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.HandleID(5), read.Handle)
	assert.Equal(t, int64(128), read.Offset)
	assert.Len(t, read.Dst, 64)
}

func TestDecodeWritePre79UsesCompatLayout(t *testing.T) {
	in := fusekernel.WriteInCompat{Fh: 6, Offset: 0, Size: 3}
	header := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]
	body := append(append([]byte{}, header...), []byte("abc")...)

	h := fusekernel.InHeader{Opcode: fusekernel.OpWrite, Unique: 6, NodeID: 9}
	old := fusekernel.Protocol{Major: 7, Minor: 8}
	op := decodeBytesProto(t, h, body, old)

	write, ok := op.(*fuseops.WriteFileOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.HandleID(6), write.Handle)
	assert.Equal(t, []byte("abc"), write.Data)
}

func TestDecodeGetattrSkipsTrailerBelowProto9(t *testing.T) {
	h := fusekernel.InHeader{Opcode: fusekernel.OpGetattr, Unique: 7, NodeID: 3}
	old := fusekernel.Protocol{Major: 7, Minor: 8}
	op := decodeBytesProto(t, h, nil, old)

	getattr, ok := op.(*fuseops.GetInodeAttributesOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.InodeID(3), getattr.Inode)
}

func TestDecodeGetattrConsumesTrailerAtProto9(t *testing.T) {
	in := fusekernel.GetattrIn{Fh: 11}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpGetattr, Unique: 8, NodeID: 3}
	op := decodeBytesProto(t, h, body, proto9)

	getattr, ok := op.(*fuseops.GetInodeAttributesOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.InodeID(3), getattr.Inode)
}

func TestDecodeLseek(t *testing.T) {
	in := fusekernel.LseekIn{Fh: 4, Offset: 512, Whence: 3}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpLseek, Unique: 9, NodeID: 2}
	op := decodeBytes(t, h, body)

	lseek, ok := op.(*fuseops.LseekOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.HandleID(4), lseek.Handle)
	assert.Equal(t, int64(512), lseek.Offset)
	assert.Equal(t, uint32(3), lseek.Whence)
}

func TestDecodeCopyFileRange(t *testing.T) {
	in := fusekernel.CopyFileRangeIn{FhIn: 1, OffIn: 0, NodeIDOut: 20, FhOut: 2, OffOut: 10, Len: 100}
	body := (*[unsafe.Sizeof(in)]byte)(unsafe.Pointer(&in))[:]

	h := fusekernel.InHeader{Opcode: fusekernel.OpCopyFileRange, Unique: 10, NodeID: 19}
	op := decodeBytes(t, h, body)

	cfr, ok := op.(*fuseops.CopyFileRangeOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fuseops.InodeID(19), cfr.Inode)
	assert.Equal(t, fuseops.HandleID(1), cfr.Handle)
	assert.Equal(t, fuseops.InodeID(20), cfr.DstInode)
	assert.Equal(t, fuseops.HandleID(2), cfr.DstHandle)
	assert.Equal(t, int64(10), cfr.DstOffset)
	assert.Equal(t, uint64(100), cfr.Length)
}

func TestDecodeUnknownOpcodeFallsBack(t *testing.T) {
	h := fusekernel.InHeader{Opcode: fusekernel.Opcode(9999), Unique: 4, NodeID: 1}
	op := decodeBytes(t, h, nil)

	unknown, ok := op.(*fuseops.UnknownOp)
	require.True(t, ok, "got %T", op)
	assert.Equal(t, fusekernel.Opcode(9999), unknown.Opcode)
}
