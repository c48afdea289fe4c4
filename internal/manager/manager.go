// Package manager abstracts the locally installed extension set: what
// is present, and how to install, remove, enable and disable items.
package manager

import (
	"context"
	"errors"

	"github.com/statesync/statesync/internal/schema"
)

// ErrNotFound reports an extension absent from the local set or the
// catalog.
var ErrNotFound = errors.New("extension not found")

// Installed describes one locally present extension. Builtin items
// ship with the platform and are never installed or removed by sync;
// only their enablement travels.
type Installed struct {
	Identity schema.Identity `json:"identifier"`
	Version  string          `json:"version,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`
	Builtin  bool            `json:"builtin,omitempty"`
}

// Manager is the local extension surface the synchronizer drives.
type Manager interface {
	// Installed lists the current local set, builtins included.
	Installed(ctx context.Context) ([]Installed, error)

	// Install installs (or upgrades to) the given version of an
	// extension. An existing record keeps its enablement.
	Install(ctx context.Context, id schema.Identity, version string) error

	// Uninstall removes an extension. Removing an absent extension is
	// not an error.
	Uninstall(ctx context.Context, id schema.Identity) error

	// SetEnabled flips an extension's enablement, creating a local
	// record when none exists yet.
	SetEnabled(ctx context.Context, id schema.Identity, enabled bool) error
}

// Catalog resolves extension identifiers to installable versions.
type Catalog interface {
	// Resolve returns the version to install. An empty version request
	// means latest. ErrNotFound when the catalog has no such item.
	Resolve(ctx context.Context, id schema.Identity, version string) (string, error)
}
