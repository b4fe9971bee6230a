package artifacts_test

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"ideafactory/internal/artifacts"
)

func TestUploadDirectoryAsZip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "cmd"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"README.md": "# hi", "cmd/main.go": "package main"} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store := artifacts.ZipStore{
		Dir:     t.TempDir(),
		BaseURL: "http://localhost:8080/",
		Now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	up, err := store.UploadDirectoryAsZip(context.Background(), src, "My Idea/../x")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.Key != "My-Idea-x-20240102T030405Z" {
		t.Fatalf("unexpected key %q", up.Key)
	}
	if up.DownloadURL != "http://localhost:8080/artifacts/"+up.Key+".zip" {
		t.Fatalf("unexpected url %q", up.DownloadURL)
	}
	f, err := store.Open(up.Key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	info, _ := f.Stat()
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "README.md" || names[1] != "cmd/main.go" {
		t.Fatalf("unexpected entries %v", names)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	store := artifacts.ZipStore{Dir: t.TempDir()}
	for _, key := range []string{"../etc/passwd", "", "a/b"} {
		if _, err := store.Open(key); !errors.Is(err, artifacts.ErrNotFound) {
			t.Fatalf("Open(%q): expected ErrNotFound, got %v", key, err)
		}
	}
}
