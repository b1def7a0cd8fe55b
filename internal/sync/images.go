package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ImageStore writes downloaded image bytes under a base directory. Paths
// are stable per (document, position) so re-syncs overwrite in place.
type ImageStore struct {
	baseDir string
}

// NewImageStore creates the base directory if needed.
func NewImageStore(baseDir string) (*ImageStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &ImageStore{baseDir: baseDir}, nil
}

// Save writes one image and returns its storage path relative to the base
// directory.
func (s *ImageStore) Save(documentID string, position int, data []byte) (string, error) {
	dir := filepath.Join(s.baseDir, sanitize(documentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create document image dir: %w", err)
	}
	rel := filepath.Join(sanitize(documentID), fmt.Sprintf("%d.img", position))
	if err := os.WriteFile(filepath.Join(s.baseDir, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return rel, nil
}

// HashImage returns the content hash used for change detection.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitize keeps remote IDs from escaping the image directory.
func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
