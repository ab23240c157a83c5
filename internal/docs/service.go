// Package docs renders the protocol documentation shipped with vsb from
// asciidoc to HTML, with a small in-memory cache.
package docs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
)

// Service renders .adoc files from a directory.
type Service struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]string // filename -> rendered HTML
}

// NewService creates a renderer rooted at dir.
func NewService(dir string) *Service {
	return &Service{
		dir:   dir,
		cache: make(map[string]string),
	}
}

// Render returns the HTML for one document, rendering and caching it on
// first use. Only plain file names are accepted.
func (s *Service) Render(ctx context.Context, name string) (string, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".adoc") {
		return "", fmt.Errorf("invalid doc name %q", name)
	}

	s.mu.RLock()
	html, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return html, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("read doc: %w", err)
	}

	out := bytes.NewBuffer(nil)
	cfg := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false),
	)
	if _, err := libasciidoc.Convert(bytes.NewReader(data), out, cfg); err != nil {
		return "", fmt.Errorf("convert asciidoc: %w", err)
	}

	html = out.String()
	s.mu.Lock()
	s.cache[name] = html
	s.mu.Unlock()
	return html, nil
}

// List returns the available document names.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".adoc") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
