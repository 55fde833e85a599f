package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPathIsUniqueAndOwned(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a := d.Path("abc/../123", "wav")
	b := d.Path("abc/../123", ".wav")
	if a == b {
		t.Fatal("paths must be unique")
	}
	if !strings.HasSuffix(a, ".wav") || !d.Owns(a) {
		t.Fatalf("path %q not owned or wrong ext", a)
	}
	if strings.Contains(filepath.Base(a), "/") || strings.Contains(filepath.Base(a), "..") {
		t.Fatalf("prefix not sanitized: %q", a)
	}
	if d.Owns("/etc/passwd") {
		t.Fatal("foreign path reported as owned")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	d, _ := New(t.TempDir())
	p := d.Path("x", ".wav")
	if err := os.WriteFile(p, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	d.Remove(p)
	d.Remove(p, "")
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}

func TestRemoveOlderThan(t *testing.T) {
	d, _ := New(t.TempDir())
	old := d.Path("old", ".wav")
	fresh := d.Path("fresh", ".wav")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("a"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := d.RemoveOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("RemoveOlderThan() = %d, %v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}
