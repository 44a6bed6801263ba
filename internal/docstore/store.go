// Package docstore reads and writes markdown task documents. A document is
// a markdown file whose checkbox list items are the tasks an agent works
// through. Files may be rewritten by the agent (or a human) between reads,
// so counts returned by Read are only valid until the next suspension
// point; callers re-read before every scheduling decision.
package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store is the task document store interface consumed by the controller
type Store interface {
	List(folder string) ([]string, error)
	Read(folder, filename string) (Document, error)
	Write(folder, filename, content string) error
}

// Document is one task document read from disk
type Document struct {
	Content        string
	CompletedCount int
	TotalCount     int
	Frontmatter    Frontmatter
}

// FSStore is the local-filesystem document store
type FSStore struct{}

// NewFSStore creates a filesystem-backed document store
func NewFSStore() *FSStore {
	return &FSStore{}
}

// List returns the markdown filenames in folder, sorted by name
func (s *FSStore) List(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read reads one document and counts its checkboxes
func (s *FSStore) Read(folder, filename string) (Document, error) {
	data, err := os.ReadFile(filepath.Join(folder, filename))
	if err != nil {
		return Document{}, fmt.Errorf("reading document %s: %w", filename, err)
	}

	fm, _, err := ParseFrontmatter(data)
	if err != nil {
		return Document{}, fmt.Errorf("parsing frontmatter in %s: %w", filename, err)
	}

	content := string(data)
	completed, total := CountTasks(content)
	return Document{
		Content:        content,
		CompletedCount: completed,
		TotalCount:     total,
		Frontmatter:    *fm,
	}, nil
}

// Write replaces a document's content
func (s *FSStore) Write(folder, filename, content string) error {
	if err := os.WriteFile(filepath.Join(folder, filename), []byte(content), 0644); err != nil {
		return fmt.Errorf("writing document %s: %w", filename, err)
	}
	return nil
}
