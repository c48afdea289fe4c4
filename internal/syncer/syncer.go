// Package syncer implements per-kind synchronization between the
// local resource state and the remote store.
package syncer

import (
	"context"

	"github.com/statesync/statesync/internal/schema"
)

// Status is a synchronizer's lifecycle state.
type Status int

const (
	Idle Status = iota
	Syncing
)

func (s Status) String() string {
	if s == Syncing {
		return "syncing"
	}
	return "idle"
}

// Synchronizer is the per-kind sync surface the coordinator drives.
// At most one cycle runs at a time; a second concurrent request fails
// with ErrSyncInProgress.
type Synchronizer interface {
	// Kind names the resource kind this synchronizer owns.
	Kind() schema.Kind

	// Sync runs a full bidirectional cycle. reason is logged only.
	Sync(ctx context.Context, reason string) error

	// Pull overwrites local state from the remote, pushing nothing.
	Pull(ctx context.Context) error

	// Push overwrites the remote unconditionally from local state.
	Push(ctx context.Context) error

	// Replace makes the given payload the new remote state, merged
	// over the local state.
	Replace(ctx context.Context, data *schema.SyncData) error

	// ResolveContent returns the synced content recorded under ref.
	ResolveContent(ref string) (string, error)

	// HasLocalData reports whether there is anything local to push.
	HasLocalData(ctx context.Context) (bool, error)

	// Reset forgets the last-sync record for this kind.
	Reset() error

	// Status reports whether a cycle is running.
	Status() Status

	// Stop cancels an in-flight cycle, if any.
	Stop()
}
