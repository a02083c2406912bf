package fusekernel

import "unsafe"

// Sizes of the fixed headers.
const (
	InHeaderSize  = unsafe.Sizeof(InHeader{})
	OutHeaderSize = unsafe.Sizeof(OutHeader{})
)

// EntryOutSize returns the wire size of an EntryOut reply for the given
// negotiated protocol. It ignores p and always returns the size of the one
// EntryOut layout this package defines; a separate pre-7.9 layout is not
// modelled.
func EntryOutSize(p Protocol) uintptr {
	return unsafe.Sizeof(EntryOut{})
}

// AttrOutSize returns the wire size of an AttrOut reply for the given
// negotiated protocol.
func AttrOutSize(p Protocol) uintptr {
	return unsafe.Sizeof(AttrOut{})
}
