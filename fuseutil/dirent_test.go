package fuseutil

import (
	"testing"

	"github.com/kernelfs/fuse/fuseops"
)

func TestWriteDirentPadsToAlignment(t *testing.T) {
	d := fuseops.Dirent{
		Offset: 1,
		Inode:  2,
		Name:   "abc",
		Type:   fuseops.DT_File,
	}

	buf := make([]byte, 64)
	n := WriteDirent(buf, d)

	if n%8 != 0 {
		t.Fatalf("WriteDirent wrote %d bytes, not 8-byte aligned", n)
	}

	wantMin := 24 + len(d.Name)
	if n < wantMin {
		t.Fatalf("WriteDirent wrote %d bytes, want at least %d", n, wantMin)
	}
}

func TestWriteDirentReturnsZeroWhenFull(t *testing.T) {
	d := fuseops.Dirent{Name: "a-name-too-long-for-this-buffer"}
	buf := make([]byte, 4)

	if n := WriteDirent(buf, d); n != 0 {
		t.Fatalf("WriteDirent() = %d, want 0", n)
	}
}

func TestWriteDirentPlusIncludesEntryAndPadsToAlignment(t *testing.T) {
	d := fuseops.Dirent{Offset: 1, Inode: 2, Name: "abc", Type: fuseops.DT_File}
	e := fuseops.ChildInodeEntry{Child: 2, Attributes: fuseops.InodeAttributes{Nlink: 1}}

	buf := make([]byte, 256)
	n := WriteDirentPlus(buf, d, e)

	if n%8 != 0 {
		t.Fatalf("WriteDirentPlus wrote %d bytes, not 8-byte aligned", n)
	}

	plain := WriteDirent(make([]byte, 256), d)
	if n <= plain {
		t.Fatalf("WriteDirentPlus wrote %d bytes, want more than plain WriteDirent's %d", n, plain)
	}
}

func TestWriteDirentPlusReturnsZeroWhenFull(t *testing.T) {
	d := fuseops.Dirent{Name: "a-name-too-long-for-this-buffer"}
	e := fuseops.ChildInodeEntry{}
	buf := make([]byte, 4)

	if n := WriteDirentPlus(buf, d, e); n != 0 {
		t.Fatalf("WriteDirentPlus() = %d, want 0", n)
	}
}
