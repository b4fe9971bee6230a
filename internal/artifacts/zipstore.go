// Package artifacts stores build output archives.
package artifacts

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Upload locates a stored archive.
type Upload struct {
	Key         string `json:"key"`
	DownloadURL string `json:"download_url"`
	Size        int64  `json:"size"`
}

var ErrNotFound = errors.New("artifact not found")

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ZipStore writes directory archives under Dir and serves them from BaseURL.
type ZipStore struct {
	Dir     string
	BaseURL string
	Now     func() time.Time
}

// Key derives the storage key for an archive name.
func (s ZipStore) Key(name string) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	clean := strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if clean == "" {
		clean = "build"
	}
	return fmt.Sprintf("%s-%s", clean, now().UTC().Format("20060102T150405Z"))
}

// UploadDirectoryAsZip archives every regular file under dir.
func (s ZipStore) UploadDirectoryAsZip(ctx context.Context, dir, name string) (Upload, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Upload{}, err
	}
	if !info.IsDir() {
		return Upload{}, fmt.Errorf("%s is not a directory", dir)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Upload{}, err
	}
	key := s.Key(name)
	target := filepath.Join(s.Dir, key+".zip")
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return Upload{}, err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr != nil {
		zw.Close()
		tmp.Close()
		return Upload{}, fmt.Errorf("archive %s: %w", dir, walkErr)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return Upload{}, err
	}
	stat, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return Upload{}, err
	}
	if err := tmp.Close(); err != nil {
		return Upload{}, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Upload{}, err
	}
	return Upload{Key: key, DownloadURL: s.URL(key), Size: stat.Size()}, nil
}

// URL returns the download URL of key.
func (s ZipStore) URL(key string) string {
	base := strings.TrimSuffix(s.BaseURL, "/")
	return base + "/artifacts/" + key + ".zip"
}

// Open returns the archive stored under key.
func (s ZipStore) Open(key string) (*os.File, error) {
	key = strings.TrimSuffix(key, ".zip")
	if key == "" || unsafeChars.MatchString(key) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, key+".zip"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
