package schema

import (
	"encoding/json"
	"fmt"
)

// Version is the current schema version for extension sync payloads.
//
// History:
//
//	v1: items carried an "enabled" boolean
//	v2: "enabled" replaced with a "disabled" flag, set only when off
//	v3: "installed" added, defaulted from the system-owned set
const Version = 3

// MigrateExtensions upgrades a payload fetched at an older schema
// version to the current one. builtin holds the Identity.Key of every
// system-owned item on this machine. The input is never mutated; a
// payload already at the current version is returned unchanged.
func MigrateExtensions(data *SyncData, builtin map[string]bool) (*SyncData, error) {
	if data == nil || data.Version >= Version {
		return data, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data.Content), &items); err != nil {
		return nil, fmt.Errorf("failed to parse version %d content: %w", data.Version, err)
	}

	for v := data.Version; v < Version; v++ {
		switch v {
		case 1:
			migrateEnablement(items)
		case 2:
			if err := migrateInstalled(items, builtin); err != nil {
				return nil, err
			}
		}
	}

	content, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal migrated content: %w", err)
	}

	return &SyncData{
		Version:   Version,
		MachineID: data.MachineID,
		Content:   string(content),
	}, nil
}

// migrateEnablement replaces the v1 "enabled" boolean with a "disabled"
// flag that is present only when the item is off.
func migrateEnablement(items []map[string]json.RawMessage) {
	for _, item := range items {
		rawEnabled, ok := item["enabled"]
		if !ok {
			continue
		}
		var enabled bool
		if err := json.Unmarshal(rawEnabled, &enabled); err == nil && !enabled {
			item["disabled"] = json.RawMessage("true")
		}
		delete(item, "enabled")
	}
}

// migrateInstalled marks every item outside the system-owned set as
// user-installed.
func migrateInstalled(items []map[string]json.RawMessage, builtin map[string]bool) error {
	for _, item := range items {
		rawID, ok := item["identifier"]
		if !ok {
			continue
		}
		var id Identity
		if err := json.Unmarshal(rawID, &id); err != nil {
			return fmt.Errorf("failed to parse item identity: %w", err)
		}
		if !builtin[id.Key()] {
			item["installed"] = json.RawMessage("true")
		}
	}
	return nil
}
