package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/statesync/statesync/internal/schema"
)

const backupsToKeep = 10

// BackupLocal writes a timestamped copy of the local content for kind
// before it is mutated, then prunes old backups.
func (s *Store) BackupLocal(kind schema.Kind, content string) error {
	dir := filepath.Join(s.backupDir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	return pruneBackups(dir)
}

// BackupDir returns the root directory backups are written under.
func (s *Store) BackupDir() string {
	return s.backupDir
}

func pruneBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= backupsToKeep {
		return nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-backupsToKeep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", name, err)
		}
	}
	return nil
}
