// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"errors"
	"syscall"
)

// Errors corresponding to kernel error numbers. A FileSystem may return
// these (or any other syscall.Errno) directly from FileSystem.Call; the
// session writes the errno straight into the reply header.
const (
	EIO       = syscall.EIO
	ENOENT    = syscall.ENOENT
	ENOSYS    = syscall.ENOSYS
	ENOTEMPTY = syscall.ENOTEMPTY
	ENOATTR   = syscall.ENODATA
	ERANGE    = syscall.ERANGE
)

// Sentinel errors describing faults in the protocol engine itself, as
// opposed to errors a file system hands back from a request. These never
// cross the wire to the kernel. Any of them returned from the INIT
// handshake ends Run; an ErrProtocol from decoding a later request is
// logged, that request is dropped without a reply, and Run continues.
var (
	// ErrProtocol is returned when the kernel sends a malformed or
	// internally inconsistent message.
	ErrProtocol = errors.New("fuse: protocol error")

	// ErrCapability is returned during Init when the kernel's offered
	// protocol version is older than this package supports.
	ErrCapability = errors.New("fuse: unsupported protocol version")

	// ErrDeviceGone is returned by Session.Run when /dev/fuse reports the
	// mount has gone away (ENODEV), the normal way a session ends when the
	// file system is unmounted.
	ErrDeviceGone = errors.New("fuse: device gone")
)

// errnoFromError extracts the syscall.Errno a file system meant to report,
// defaulting to EIO for errors that aren't already one -- matching the
// kernel's own fallback for an unrecognized error code.
func errnoFromError(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return EIO
}
