// Package imagestore keeps capture images on the local filesystem and
// resolves the image references stored on captures.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned when a reference names no stored image.
var ErrNotFound = errors.New("image not found")

// ErrInvalidRef is returned for references that escape the store root.
var ErrInvalidRef = errors.New("invalid image reference")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStore stores images under root. References are slash-separated paths
// relative to root, e.g. "images/pi-kitchen_<id>.jpg".
type FileStore struct {
	root string
}

// New creates root if needed and returns a store rooted there.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "images"), 0o755); err != nil {
		return nil, fmt.Errorf("creating image directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory images are stored under.
func (s *FileStore) Root() string {
	return s.root
}

// Save writes data for a capture and returns its reference.
func (s *FileStore) Save(ctx context.Context, deviceID, captureID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := "images/" + fileName(deviceID, captureID)
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing image %s: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("moving image %s into place: %w", ref, err)
	}
	return ref, nil
}

// Load returns the image bytes for ref.
func (s *FileStore) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the image for ref. Missing images are not an error.
func (s *FileStore) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting image %s: %w", ref, err)
	}
	return nil
}

func (s *FileStore) resolve(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, clean), nil
}

func fileName(deviceID, captureID string) string {
	if deviceID == "" {
		deviceID = "unknown"
	}
	return unsafeChars.ReplaceAllString(deviceID, "_") + "_" + unsafeChars.ReplaceAllString(captureID, "_") + ".jpg"
}
