package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBlobWriteReadCopyDelete(t *testing.T) {
	b, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}

	path, err := b.Write("rs_abc", []byte("hello body"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if path != b.Path("rs_abc") {
		t.Fatalf("unexpected path %q", path)
	}

	data, err := b.Read("rs_abc")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello body" {
		t.Fatalf("got %q", data)
	}

	dst := filepath.Join(t.TempDir(), "download.bin")
	if err := b.Copy("rs_abc", dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	copied, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(copied) != "hello body" {
		t.Fatalf("copy mismatch: %q", copied)
	}

	if err := b.Delete("rs_abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Read("rs_abc"); !os.IsNotExist(err) {
		t.Fatalf("expected blob gone, got %v", err)
	}
	// Deleting again is fine.
	if err := b.Delete("rs_abc"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestBlobWriteLeavesNoTempOnSuccess(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBlobStore(dir)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	if _, err := b.Write("rs_x", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "responses"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "rs_x" {
		t.Fatalf("expected only the blob file, got %v", entries)
	}
}
