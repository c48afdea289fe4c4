package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/statesync/statesync/internal/schema"
)

// MemoryCatalog is an in-process Catalog keyed by lowercased
// identifier, each holding the known versions oldest first.
type MemoryCatalog struct {
	mu       sync.Mutex
	versions map[string][]string
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{versions: make(map[string][]string)}
}

// Add registers a version for an identifier.
func (c *MemoryCatalog) Add(id string, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(id)
	c.versions[key] = append(c.versions[key], version)
}

// Resolve implements Catalog.
func (c *MemoryCatalog) Resolve(_ context.Context, id schema.Identity, version string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.versions[id.Key()]
	if len(versions) == 0 {
		return "", fmt.Errorf("resolve %s: %w", id.ID, ErrNotFound)
	}
	if version == "" {
		return versions[len(versions)-1], nil
	}
	for _, v := range versions {
		if v == version {
			return v, nil
		}
	}
	return "", fmt.Errorf("resolve %s@%s: %w", id.ID, version, ErrNotFound)
}

// LoadFileCatalog reads a catalog from a JSON file mapping identifier
// to its version list.
func LoadFileCatalog(path string) (*MemoryCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var versions map[string][]string
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := NewMemoryCatalog()
	for id, vs := range versions {
		for _, v := range vs {
			c.Add(id, v)
		}
	}
	return c, nil
}
