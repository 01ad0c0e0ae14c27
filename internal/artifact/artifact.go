// Package artifact persists generated binaries under collision-resistant
// random keys and returns publicly retrievable URLs.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Store interface {
	// Put stores data under a fresh random key and returns its public URL.
	// The key is never derived from user-controlled input.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// key builds a random object key with an extension matching the content type.
func key(contentType string) string {
	ext := ".bin"
	switch contentType {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	default:
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return uuid.NewString() + ext
}

// FSStore writes artifacts to a local directory; used for local runs and tests.
type FSStore struct {
	Dir       string
	PublicURL string
}

func (s FSStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	k := key(contentType)
	if err := os.WriteFile(filepath.Join(s.Dir, k), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/") + "/" + k, nil
	}
	return "file://" + filepath.Join(s.Dir, k), nil
}
