package ext4

import (
	"bytes"
	"os"
	"testing"

	"github.com/extfs/ext4fs/backend/file"
)

func testFSForXattr(t *testing.T) *FileSystem {
	t.Helper()
	_, f := testCreateEmptyFile(t, 100*MB)
	t.Cleanup(func() { f.Close() })

	b := file.New(f, false)
	fs, err := Create(b, 100*MB, 0, 512, &Params{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ef, err := fs.OpenFile("/xattrtarget", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := ef.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ef.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return fs
}

func TestSetGetXattrInline(t *testing.T) {
	fs := testFSForXattr(t)

	if err := fs.SetXattr("/xattrtarget", "user.comment", []byte("small value")); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	got, err := fs.GetXattr("/xattrtarget", "user.comment")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !bytes.Equal(got, []byte("small value")) {
		t.Errorf("GetXattr = %q, want %q", got, "small value")
	}

	in, err := fs.readInode(mustLookupInode(t, fs, "/xattrtarget"))
	if err != nil {
		t.Fatalf("readInode: %v", err)
	}
	if in.extendedAttributeBlock != 0 {
		t.Errorf("expected a small attribute to stay inline, got external block %d", in.extendedAttributeBlock)
	}
}

func TestSetXattrSpillsToExternalBlock(t *testing.T) {
	fs := testFSForXattr(t)

	big := bytes.Repeat([]byte{0x42}, 1024)
	if err := fs.SetXattr("/xattrtarget", "user.big", big); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	got, err := fs.GetXattr("/xattrtarget", "user.big")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Errorf("GetXattr returned mismatched value")
	}

	in, err := fs.readInode(mustLookupInode(t, fs, "/xattrtarget"))
	if err != nil {
		t.Fatalf("readInode: %v", err)
	}
	if in.extendedAttributeBlock == 0 {
		t.Errorf("expected a large attribute to spill to an external block")
	}
}

func TestListAndRemoveXattr(t *testing.T) {
	fs := testFSForXattr(t)

	if err := fs.SetXattr("/xattrtarget", "user.a", []byte("1")); err != nil {
		t.Fatalf("SetXattr a: %v", err)
	}
	if err := fs.SetXattr("/xattrtarget", "user.b", []byte("2")); err != nil {
		t.Fatalf("SetXattr b: %v", err)
	}

	names, err := fs.ListXattr("/xattrtarget")
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 attributes, got %d: %v", len(names), names)
	}

	if err := fs.RemoveXattr("/xattrtarget", "user.a"); err != nil {
		t.Fatalf("RemoveXattr: %v", err)
	}
	if _, err := fs.GetXattr("/xattrtarget", "user.a"); err == nil {
		t.Errorf("expected error getting removed attribute")
	}
	if _, err := fs.GetXattr("/xattrtarget", "user.b"); err != nil {
		t.Errorf("expected user.b to remain: %v", err)
	}

	if err := fs.RemoveXattr("/xattrtarget", "user.a"); err == nil {
		t.Errorf("expected error removing an already-removed attribute")
	}
}

func TestSetXattrReplacesExisting(t *testing.T) {
	fs := testFSForXattr(t)

	if err := fs.SetXattr("/xattrtarget", "user.comment", []byte("v1")); err != nil {
		t.Fatalf("SetXattr v1: %v", err)
	}
	if err := fs.SetXattr("/xattrtarget", "user.comment", []byte("v2")); err != nil {
		t.Fatalf("SetXattr v2: %v", err)
	}
	got, err := fs.GetXattr("/xattrtarget", "user.comment")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Errorf("GetXattr = %q, want %q", got, "v2")
	}
	names, err := fs.ListXattr("/xattrtarget")
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("expected replacing to keep a single entry, got %d: %v", len(names), names)
	}
}

func mustLookupInode(t *testing.T, fs *FileSystem, path string) uint32 {
	t.Helper()
	_, entry, err := fs.getEntryAndParent(path)
	if err != nil {
		t.Fatalf("getEntryAndParent(%s): %v", path, err)
	}
	return entry.inode
}
