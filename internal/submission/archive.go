package submission

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/google/uuid"
)

// Archive stores submitted images under the slow-check image root so
// deferred jobs can reference them by relative path.
type Archive struct {
	root string
}

// NewArchive creates an archive rooted at root.
func NewArchive(root string) *Archive {
	return &Archive{root: root}
}

// Save writes data and returns its slash-separated path relative to the root.
func (a *Archive) Save(submissionID string, role models.ImageRole, data []byte) (string, error) {
	dir := safeSegment(submissionID)
	if dir == "" {
		return "", fmt.Errorf("invalid submission id %q", submissionID)
	}

	name := fmt.Sprintf("%s-%s%s", role, uuid.New().String()[:8], extension(data))
	ref := path.Join(dir, name)

	full := filepath.Join(a.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("write archived image: %w", err)
	}
	return ref, nil
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}

func extension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".img"
}
