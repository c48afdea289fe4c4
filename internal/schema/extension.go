// Package schema provides the data model shared by the statesync engine:
// resource kinds, extension items, sync payloads and schema migration.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a resource family that is synchronized independently.
// Each kind has exactly one live synchronizer per process.
type Kind string

const (
	// KindExtensions is the installed-extension state resource.
	KindExtensions Kind = "extensions"

	// KindSettings is the user settings resource.
	KindSettings Kind = "settings"

	// KindKeybindings is the keybindings resource.
	KindKeybindings Kind = "keybindings"
)

// Kinds lists every registered resource kind.
func Kinds() []Kind {
	return []Kind{KindExtensions, KindSettings, KindKeybindings}
}

// Identity identifies an extension across machines.
type Identity struct {
	ID   string `json:"id"`
	UUID string `json:"uuid,omitempty"`
}

// Key returns the map key used for identity comparison.
// IDs are compared case-insensitively.
func (i Identity) Key() string {
	return strings.ToLower(i.ID)
}

// Equal reports whether two identities refer to the same extension.
// When both sides carry a UUID the comparison is exact on UUID;
// otherwise the ID is compared case-insensitively.
func (i Identity) Equal(other Identity) bool {
	if i.UUID != "" && other.UUID != "" {
		return i.UUID == other.UUID
	}
	return strings.EqualFold(i.ID, other.ID)
}

// Extension is one synchronized item of the extensions resource kind.
type Extension struct {
	Identity  Identity `json:"identifier"`
	Version   string   `json:"version,omitempty"`
	Disabled  bool     `json:"disabled,omitempty"`
	Installed bool     `json:"installed,omitempty"`
}

// Same reports whether the comparable fields (version, disabled,
// installed) match. Identity is assumed equal.
func (e Extension) Same(other Extension) bool {
	return e.Version == other.Version &&
		e.Disabled == other.Disabled &&
		e.Installed == other.Installed
}

// SortExtensions orders items canonically: items without a UUID before
// items that have one, then lexicographically by lowercased ID. The
// ordering is the same on every machine so remote diffs stay minimal.
func SortExtensions(items []Extension) {
	sort.SliceStable(items, func(a, b int) bool {
		ea, eb := items[a], items[b]
		if (ea.Identity.UUID == "") != (eb.Identity.UUID == "") {
			return ea.Identity.UUID == ""
		}
		return ea.Identity.Key() < eb.Identity.Key()
	})
}

// SerializeExtensions renders items in canonical form for remote writes.
func SerializeExtensions(items []Extension) (string, error) {
	sorted := make([]Extension, len(items))
	copy(sorted, items)
	SortExtensions(sorted)

	data, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("failed to marshal extensions: %w", err)
	}
	return string(data), nil
}

// ParseExtensions decodes serialized extension content.
func ParseExtensions(content string) ([]Extension, error) {
	if content == "" {
		return nil, nil
	}

	var items []Extension
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return nil, fmt.Errorf("failed to parse extension content: %w", err)
	}
	return items, nil
}
