package blob_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/workshop/internal/blob"
)

func newTestStore(t *testing.T) (*blob.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := blob.NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, dir
}

func TestPut_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	content := []byte("hello workshop")

	digest, err := store.Put(content)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !blob.DigestPattern.MatchString(digest) {
		t.Fatalf("digest %q does not match pattern", digest)
	}
	if digest != blob.Digest(content) {
		t.Fatalf("digest mismatch")
	}

	f, err := store.Open(digest)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestPut_Idempotent(t *testing.T) {
	store, dir := newTestStore(t)
	content := []byte("same bytes")

	first, err := store.Put(content)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := store.Put(content)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if first != second {
		t.Fatalf("digests differ: %q vs %q", first, second)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 blob file, got %d", len(entries))
	}
	if entries[0].Name() != first {
		t.Fatalf("blob file named %q, want %q", entries[0].Name(), first)
	}
}

func TestOpen_UnknownDigest(t *testing.T) {
	store, _ := newTestStore(t)
	missing := "sha256:" + strings.Repeat("0", 64)
	if _, err := store.Open(missing); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_RejectsMalformedDigests(t *testing.T) {
	store, dir := newTestStore(t)

	// Plant a file outside the store to prove traversal never reaches it.
	outside := filepath.Join(filepath.Dir(dir), "secret")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	bad := []string{
		"",
		"sha256:",
		"sha256:../../etc/passwd",
		"sha256:" + strings.Repeat("0", 63),
		"sha256:" + strings.Repeat("0", 65),
		"sha256:" + strings.Repeat("G", 64), // not hex
		"sha256:" + strings.Repeat("A", 64), // uppercase hex rejected
		"md5:" + strings.Repeat("0", 64),
		"../secret",
	}
	for _, digest := range bad {
		if _, err := store.Open(digest); !errors.Is(err, blob.ErrBadDigest) {
			t.Fatalf("digest %q: expected ErrBadDigest, got %v", digest, err)
		}
	}
}
