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
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/moby/sys/mountinfo"
)

// fusermountBinary locates the setuid helper used to obtain the /dev/fuse
// file descriptor for an unprivileged mount; fusermount3 is tried first
// since fusermount (v2) is absent on many modern distributions.
func fusermountBinary() (string, error) {
	for _, name := range []string{"fusermount3", "fusermount"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("fuse: no fusermount or fusermount3 binary found in PATH")
}

// Mount invokes the fusermount(1) helper to mount a FUSE file system at
// dir, returning the kernel-assigned /dev/fuse descriptor. Call
// NewSession(dev, fs, cfg) and Run on the result to start serving it, and
// Unmount(dir) to tear it down.
func Mount(dir string, cfg MountConfig) (dev *os.File, err error) {
	helper, err := fusermountBinary()
	if err != nil {
		return nil, err
	}

	local, remote, err := unixgramSocketpair()
	if err != nil {
		return nil, err
	}
	defer local.Close()
	defer remote.Close()

	var opts bytes.Buffer
	opts.WriteString("default_permissions")
	if cfg.ReadOnly {
		opts.WriteString(",ro")
	}
	if cfg.FSName != "" {
		fmt.Fprintf(&opts, ",fsname=%s", cfg.FSName)
	}
	subtype := cfg.Subtype
	if subtype == "" {
		subtype = "fuse"
	}
	fmt.Fprintf(&opts, ",subtype=%s", subtype)

	cmd := exec.Command(helper, "-o", opts.String(), dir)
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{remote}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fuse: running %s: %w", helper, err)
	}

	fd, err := recvDevFD(local)
	if err != nil {
		return nil, fmt.Errorf("fuse: receiving /dev/fuse descriptor: %w", err)
	}

	return os.NewFile(uintptr(fd), "/dev/fuse"), nil
}

// Unmount invokes fusermount -u (or, for root, the umount(8) syscall
// directly) to tear down the mount at dir.
func Unmount(dir string) error {
	if os.Geteuid() == 0 {
		return syscall.Unmount(dir, 0)
	}

	helper, err := fusermountBinary()
	if err != nil {
		return err
	}

	var errBuf bytes.Buffer
	cmd := exec.Command(helper, "-u", dir)
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if errBuf.Len() > 0 {
			return fmt.Errorf("fuse: %s: %s", err, errBuf.String())
		}
		return err
	}
	return nil
}

// IsMounted reports whether dir is currently a mountpoint, of any file
// system type.
func IsMounted(dir string) (bool, error) {
	return mountinfo.Mounted(dir)
}

func unixgramSocketpair() (local, remote *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), "fuse-commfd-local"),
		os.NewFile(uintptr(fds[1]), "fuse-commfd-remote"), nil
}

// recvDevFD reads the /dev/fuse file descriptor passed by fusermount(1)
// over local via an SCM_RIGHTS ancillary message.
func recvDevFD(local *os.File) (int, error) {
	var data [4]byte
	control := make([]byte, 4*256)

	_, oobn, _, _, err := syscall.Recvmsg(int(local.Fd()), data[:], control, 0)
	if err != nil {
		return 0, err
	}
	if oobn <= syscall.SizeofCmsghdr {
		return 0, fmt.Errorf("fuse: control message too short (%d bytes)", oobn)
	}

	hdr := *(*syscall.Cmsghdr)(unsafe.Pointer(&control[0]))
	if hdr.Type != syscall.SCM_RIGHTS {
		return 0, fmt.Errorf("fuse: unexpected control message type %d", hdr.Type)
	}

	fd := *(*int32)(unsafe.Pointer(uintptr(unsafe.Pointer(&control[0])) + syscall.SizeofCmsghdr))
	if fd < 0 {
		return 0, fmt.Errorf("fuse: received negative fd %d", fd)
	}

	return int(fd), nil
}
