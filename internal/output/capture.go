// Package output stores captured job output: redaction, truncation, and a
// key-addressed blob store.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Store is the blob interface the ingestion path writes captures through.
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// defaultRedactPatterns mask the obvious credential shapes in job output.
// Tenants can extend the list through config.
var defaultRedactPatterns = []string{
	`(?i)(password|passwd|secret|api[_-]?key|token)\s*[=:]\s*\S+`,
	`(?i)authorization:\s*bearer\s+\S+`,
	`AKIA[0-9A-Z]{16}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

const redactedPlaceholder = "[REDACTED]"

// Processor applies redaction then truncation to a capture before storage.
type Processor struct {
	maxBytes int
	patterns []*regexp.Regexp
}

// NewProcessor builds a processor with the given size cap in KB and extra
// redaction patterns on top of the defaults. A non-positive cap disables
// truncation.
func NewProcessor(maxKB int, extraPatterns []string) (*Processor, error) {
	all := append(append([]string{}, defaultRedactPatterns...), extraPatterns...)
	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	maxBytes := 0
	if maxKB > 0 {
		maxBytes = maxKB * 1024
	}
	return &Processor{maxBytes: maxBytes, patterns: patterns}, nil
}

// Process redacts credential-shaped substrings and truncates to the size
// cap. The returned flag reports whether truncation happened.
func (p *Processor) Process(data []byte) ([]byte, bool) {
	out := data
	for _, re := range p.patterns {
		out = re.ReplaceAll(out, []byte(redactedPlaceholder))
	}
	if p.maxBytes > 0 && len(out) > p.maxBytes {
		marker := []byte("\n... [truncated]\n")
		keep := p.maxBytes - len(marker)
		if keep < 0 {
			keep = 0
		}
		out = append(out[:keep:keep], marker...)
		return out, true
	}
	return out, false
}

// FileStore keeps captures as flat files under a root directory. Keys are
// sanitized into a single path element each.
type FileStore struct {
	root string
}

// NewFileStore creates (if needed) the root directory and returns a store.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Upload writes a capture. Existing keys are overwritten.
func (fs *FileStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write capture %s: %w", key, err)
	}
	return nil
}

// Get reads a capture back by key.
func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture %s: %w", key, err)
	}
	return data, nil
}

func (fs *FileStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid capture key %q", key)
	}
	// monitor-id/run-id keys become one directory level each.
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid capture key %q", key)
	}
	return filepath.Join(fs.root, clean), nil
}
