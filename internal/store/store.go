// Package store persists per-kind last-sync state, machine identity
// and daemon settings in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/statesync/statesync/internal/schema"
)

const (
	settingMachineID = "machine_id"
	settingAutoSync  = "auto_sync"
)

// Store wraps the local state database.
type Store struct {
	conn      *sql.DB
	path      string
	backupDir string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to state database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return &Store{
		conn:      conn,
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), "backups"),
	}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the tables if they do not exist. Safe to call on
// every startup.
func (s *Store) InitSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_state (
		kind       TEXT PRIMARY KEY,
		ref        TEXT NOT NULL,
		version    INTEGER NOT NULL,
		machine_id TEXT,
		content    TEXT NOT NULL,
		skipped    TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	if _, err := s.conn.Exec(ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LastSync returns the recorded last-sync state for kind, or nil when
// the kind has never synced.
func (s *Store) LastSync(kind schema.Kind) (*schema.LastSyncState, error) {
	row := s.conn.QueryRow(
		`SELECT ref, version, machine_id, content, skipped FROM sync_state WHERE kind = ?`,
		string(kind))

	var (
		ref, content       string
		version            int
		machineID, skipped sql.NullString
	)
	if err := row.Scan(&ref, &version, &machineID, &content, &skipped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last sync for %s: %w", kind, err)
	}

	state := &schema.LastSyncState{
		Kind: kind,
		Ref:  ref,
		Data: &schema.SyncData{
			Version:   version,
			MachineID: machineID.String,
			Content:   content,
		},
	}
	if skipped.Valid && skipped.String != "" {
		if err := json.Unmarshal([]byte(skipped.String), &state.Skipped); err != nil {
			return nil, fmt.Errorf("failed to parse skipped items for %s: %w", kind, err)
		}
	}
	return state, nil
}

// SaveLastSync records state as the last successful sync for its kind.
func (s *Store) SaveLastSync(state *schema.LastSyncState) error {
	if state == nil || state.Data == nil {
		return errors.New("last sync state requires a payload")
	}

	var skipped sql.NullString
	if len(state.Skipped) > 0 {
		raw, err := json.Marshal(state.Skipped)
		if err != nil {
			return fmt.Errorf("failed to encode skipped items: %w", err)
		}
		skipped = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.conn.Exec(`
		INSERT INTO sync_state (kind, ref, version, machine_id, content, skipped, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			ref = excluded.ref,
			version = excluded.version,
			machine_id = excluded.machine_id,
			content = excluded.content,
			skipped = excluded.skipped,
			updated_at = excluded.updated_at`,
		string(state.Kind), state.Ref, state.Data.Version,
		nullable(state.Data.MachineID), state.Data.Content, skipped,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save last sync for %s: %w", state.Kind, err)
	}
	return nil
}

// Reset forgets the last-sync state for kind.
func (s *Store) Reset(kind schema.Kind) error {
	if _, err := s.conn.Exec(`DELETE FROM sync_state WHERE kind = ?`, string(kind)); err != nil {
		return fmt.Errorf("failed to reset %s: %w", kind, err)
	}
	return nil
}

// ResetAll forgets the last-sync state for every kind.
func (s *Store) ResetAll() error {
	if _, err := s.conn.Exec(`DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

// MachineID returns this machine's stable identifier, generating and
// persisting one on first use.
func (s *Store) MachineID() (string, error) {
	id, err := s.setting(settingMachineID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.setSetting(settingMachineID, id); err != nil {
		return "", err
	}
	return id, nil
}

// AutoSyncEnabled reports the persisted auto-sync flag.
func (s *Store) AutoSyncEnabled() (bool, error) {
	value, err := s.setting(settingAutoSync)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetAutoSyncEnabled persists the auto-sync flag.
func (s *Store) SetAutoSyncEnabled(enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.setSetting(settingAutoSync, value)
}

// StateInfo is a row of the status report.
type StateInfo struct {
	Kind      schema.Kind `json:"kind"`
	Ref       string      `json:"ref"`
	Version   int         `json:"version"`
	Skipped   int         `json:"skipped"`
	UpdatedAt string      `json:"updatedAt"`
}

// States returns one StateInfo per synced kind, ordered by kind.
func (s *Store) States() ([]StateInfo, error) {
	rows, err := s.conn.Query(
		`SELECT kind, ref, version, skipped, updated_at FROM sync_state ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	defer rows.Close()

	var states []StateInfo
	for rows.Next() {
		var (
			info    StateInfo
			kind    string
			skipped sql.NullString
		)
		if err := rows.Scan(&kind, &info.Ref, &info.Version, &skipped, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		info.Kind = schema.Kind(kind)
		if skipped.Valid && skipped.String != "" {
			var items []schema.Extension
			if err := json.Unmarshal([]byte(skipped.String), &items); err == nil {
				info.Skipped = len(items)
			}
		}
		states = append(states, info)
	}
	return states, rows.Err()
}

func (s *Store) setting(key string) (string, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setSetting(key, value string) error {
	_, err := s.conn.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
