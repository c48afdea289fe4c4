package remote

import (
	"context"
	"strconv"
	"sync"

	"github.com/statesync/statesync/internal/schema"
)

type memoryEntry struct {
	ref  string
	data schema.SyncData
}

// Memory is an in-process Client with the same conditional-read and
// compare-and-swap semantics as the real service. It backs offline
// mode and the test suites.
type Memory struct {
	mu         sync.Mutex
	seq        int
	entries    map[schema.Kind]memoryEntry
	readsFail  error
	writesFail error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[schema.Kind]memoryEntry)}
}

// Read implements Client.
func (m *Memory) Read(_ context.Context, kind schema.Kind, lastRef string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readsFail != nil {
		return Snapshot{}, m.readsFail
	}
	entry, ok := m.entries[kind]
	if !ok {
		return Snapshot{}, nil
	}
	if lastRef != "" && entry.ref == lastRef {
		return Snapshot{Ref: lastRef, NotModified: true}, nil
	}
	data := entry.data
	return Snapshot{Ref: entry.ref, Data: &data}, nil
}

// Write implements Client.
func (m *Memory) Write(_ context.Context, kind schema.Kind, data *schema.SyncData, expectedRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writesFail != nil {
		return "", m.writesFail
	}
	entry, ok := m.entries[kind]
	if expectedRef != "" && (!ok || entry.ref != expectedRef) {
		return "", ErrPreconditionFailed
	}

	m.seq++
	ref := strconv.Itoa(m.seq)
	m.entries[kind] = memoryEntry{ref: ref, data: *data}
	return ref, nil
}

// FailReads makes every subsequent Read return err; nil clears it.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readsFail = err
}

// FailWrites makes every subsequent Write return err; nil clears it.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writesFail = err
}

// Ref returns the current reference for kind, or "" when unwritten.
func (m *Memory) Ref(kind schema.Kind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[kind].ref
}

// Data returns a copy of the current payload for kind, or nil.
func (m *Memory) Data(kind schema.Kind) *schema.SyncData {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[kind]
	if !ok {
		return nil
	}
	data := entry.data
	return &data
}
