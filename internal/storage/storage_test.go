package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	local, err := NewLocal(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	ref, err := local.Store("env-1/doc.pdf", []byte("content"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if ref != "env-1/doc.pdf" {
		t.Fatalf("ref = %s", ref)
	}

	data, err := os.ReadFile(filepath.Join(local.Root, "env-1", "doc.pdf"))
	if err != nil || string(data) != "content" {
		t.Fatalf("read back: %s err=%v", data, err)
	}

	url, err := local.URL(ref)
	if err != nil || !strings.HasPrefix(url, "file://") {
		t.Fatalf("url = %s err=%v", url, err)
	}

	if err := local.Delete(ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := local.URL(ref); err == nil {
		t.Fatalf("url after delete should fail")
	}
	// Deleting a missing file is not an error.
	if err := local.Delete(ref); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	for _, path := range []string{"../outside.txt", "/abs.txt", "a/../../b"} {
		if _, err := local.Store(path, []byte("x")); err == nil {
			t.Fatalf("path %q accepted", path)
		}
	}
}

func TestHash(t *testing.T) {
	if Hash([]byte("abc")) != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected sha256")
	}
}
