// Package remote talks to the user-resource sync service. Reads are
// conditional on the last known reference and writes use compare-and-
// swap against the reference the caller last observed.
package remote

import (
	"context"
	"errors"

	"github.com/statesync/statesync/internal/schema"
)

var (
	// ErrPreconditionFailed means a conditional write lost the race:
	// someone else wrote the resource since the caller's reference.
	ErrPreconditionFailed = errors.New("remote precondition failed")

	// ErrTooManyRequests means the service is rate limiting this client.
	ErrTooManyRequests = errors.New("remote rate limited")

	// ErrTurnedOff means sync was disabled for this account server-side.
	ErrTurnedOff = errors.New("sync turned off on server")

	// ErrSessionExpired means the credential is no longer valid.
	ErrSessionExpired = errors.New("session expired")
)

// Snapshot is the result of reading one resource kind. Ref identifies
// the remote version. NotModified is set when the resource has not
// changed since the reference passed to Read; Data is nil in that case
// and also when the kind has never been written.
type Snapshot struct {
	Ref         string
	Data        *schema.SyncData
	NotModified bool
}

// Client is the remote store surface the synchronizers depend on.
type Client interface {
	// Read fetches the latest payload for a kind. A non-empty lastRef
	// makes the read conditional.
	Read(ctx context.Context, kind schema.Kind, lastRef string) (Snapshot, error)

	// Write stores a payload and returns its new reference. A non-empty
	// expectedRef makes the write conditional on that version still
	// being current; ErrPreconditionFailed reports a lost race.
	Write(ctx context.Context, kind schema.Kind, data *schema.SyncData, expectedRef string) (string, error)
}
