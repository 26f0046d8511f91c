package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrInvalidLocator is returned for empty, absolute or escaping locators.
var ErrInvalidLocator = errors.New("invalid blob locator")

// BlobStore maps locators to bytes.
type BlobStore interface {
	Save(ctx context.Context, locator string, r io.Reader) error
	Exists(ctx context.Context, locator string) (bool, error)
	// DeleteIfExists reports whether a blob was removed. A missing blob is
	// not an error; only I/O failures are.
	DeleteIfExists(ctx context.Context, locator string) (bool, error)
}

// Presigner is implemented by backends that serve blobs through signed URLs.
type Presigner interface {
	PresignGet(ctx context.Context, locator string, expiry time.Duration) (string, error)
}

// CleanLocator normalizes a slash-separated locator and rejects ones that
// would leave the store root.
func CleanLocator(locator string) (string, error) {
	locator = strings.TrimSpace(strings.ReplaceAll(locator, "\\", "/"))
	if locator == "" || strings.HasPrefix(locator, "/") {
		return "", ErrInvalidLocator
	}
	cleaned := path.Clean(locator)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidLocator
	}
	return cleaned, nil
}
