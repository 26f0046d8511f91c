package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FileStore keeps blobs under a base directory on the local filesystem.
type FileStore struct {
	baseDir string
}

var _ BlobStore = (*FileStore)(nil)

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("file store base dir required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

// BaseDir returns the absolute root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Path resolves a locator to a filesystem path inside the base directory.
func (s *FileStore) Path(locator string) (string, error) {
	cleaned, err := CleanLocator(locator)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(p, s.baseDir+string(filepath.Separator)) {
		return "", ErrInvalidLocator
	}
	return p, nil
}

// Save writes r to locator through a temp file so readers never see a
// partial blob.
func (s *FileStore) Save(ctx context.Context, locator string, r io.Reader) error {
	p, err := s.Path(locator)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Exists reports whether a regular file is stored at locator.
func (s *FileStore) Exists(_ context.Context, locator string) (bool, error) {
	p, err := s.Path(locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if isAbsent(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DeleteIfExists removes the blob at locator.
func (s *FileStore) DeleteIfExists(_ context.Context, locator string) (bool, error) {
	p, err := s.Path(locator)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove blob: %w", err)
	}
	return true, nil
}

// Open returns the stored file for serving.
func (s *FileStore) Open(locator string) (*os.File, error) {
	p, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// isAbsent reports errors meaning nothing can be stored at the path, including
// a parent segment that is a regular file.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
