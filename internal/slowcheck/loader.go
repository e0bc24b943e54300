package slowcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedReference is returned for image references the loader
// cannot resolve.
var ErrUnsupportedReference = errors.New("slowcheck: unsupported image reference")

// maxImageBytes bounds a single fetched image.
const maxImageBytes = 50 << 20

// Loader resolves an image reference to bytes: a path relative to the
// upload root, or an http(s) URL.
type Loader struct {
	root   string
	client *http.Client
}

// NewLoader creates a loader rooted at root.
func NewLoader(root string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		root:   root,
		client: &http.Client{Timeout: timeout},
	}
}

// Load reads the referenced image.
func (l *Loader) Load(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.fetch(ctx, ref)
	case strings.Contains(ref, "://"):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedReference, ref)
	}

	rel := filepath.FromSlash(ref)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %s escapes the upload root", ErrUnsupportedReference, ref)
	}
	f, err := os.Open(filepath.Join(l.root, rel))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return readLimited(f)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedReference, err)
	}
	req.Header.Set("User-Agent", "FraudGuard/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}
