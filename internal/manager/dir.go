package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/statesync/statesync/internal/schema"
)

// DirManager keeps the installed set as one JSON record per extension
// under a directory, named by the lowercased identifier. It stands in
// for a real platform extension host and doubles as the watchable
// surface for activity-driven sync.
type DirManager struct {
	dir string
}

// NewDir returns a DirManager rooted at dir, creating it if needed.
func NewDir(dir string) (*DirManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extensions directory: %w", err)
	}
	return &DirManager{dir: dir}, nil
}

// Dir returns the directory holding the extension records.
func (m *DirManager) Dir() string {
	return m.dir
}

func (m *DirManager) recordPath(id schema.Identity) string {
	return filepath.Join(m.dir, id.Key()+".json")
}

// Installed implements Manager.
func (m *DirManager) Installed(ctx context.Context) ([]Installed, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}

	var items []Installed
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read extension record %s: %w", entry.Name(), err)
		}
		var item Installed
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to parse extension record %s: %w", entry.Name(), err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Install implements Manager. Enablement of an existing record is
// preserved across upgrades.
func (m *DirManager) Install(ctx context.Context, id schema.Identity, version string) error {
	item := Installed{Identity: id, Version: version}
	if existing, err := m.read(id); err == nil {
		item.Disabled = existing.Disabled
	}
	return m.write(item)
}

// Uninstall implements Manager.
func (m *DirManager) Uninstall(ctx context.Context, id schema.Identity) error {
	item, err := m.read(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if item.Builtin {
		return fmt.Errorf("cannot uninstall builtin extension %s", id.ID)
	}
	if err := os.Remove(m.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to uninstall %s: %w", id.ID, err)
	}
	return nil
}

// SetEnabled implements Manager.
func (m *DirManager) SetEnabled(ctx context.Context, id schema.Identity, enabled bool) error {
	item, err := m.read(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		item = Installed{Identity: id}
	}
	item.Disabled = !enabled
	return m.write(item)
}

// AddBuiltin seeds a builtin record, used at setup and in tests.
func (m *DirManager) AddBuiltin(id schema.Identity, version string) error {
	return m.write(Installed{Identity: id, Version: version, Builtin: true})
}

func (m *DirManager) read(id schema.Identity) (Installed, error) {
	raw, err := os.ReadFile(m.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Installed{}, ErrNotFound
		}
		return Installed{}, fmt.Errorf("failed to read extension record: %w", err)
	}
	var item Installed
	if err := json.Unmarshal(raw, &item); err != nil {
		return Installed{}, fmt.Errorf("failed to parse extension record: %w", err)
	}
	return item, nil
}

func (m *DirManager) write(item Installed) error {
	raw, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode extension record: %w", err)
	}
	if err := os.WriteFile(m.recordPath(item.Identity), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write extension record: %w", err)
	}
	return nil
}
