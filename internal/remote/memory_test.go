package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/statesync/statesync/internal/schema"
)

func TestMemoryReadUnwritten(t *testing.T) {
	m := NewMemory()

	snap, err := m.Read(context.Background(), schema.KindExtensions, "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.Ref != "" || snap.Data != nil {
		t.Errorf("snapshot = %+v, want zero snapshot", snap)
	}
}

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{Version: schema.Version, Content: "[]"}, "")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ref == "" {
		t.Fatal("Write() returned empty ref")
	}

	snap, err := m.Read(ctx, schema.KindExtensions, "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.Ref != ref || snap.Data == nil || snap.Data.Content != "[]" {
		t.Errorf("snapshot = %+v", snap)
	}

	// Conditional read at the current ref short-circuits.
	snap, err = m.Read(ctx, schema.KindExtensions, ref)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !snap.NotModified || snap.Data != nil {
		t.Errorf("conditional read = %+v, want not-modified", snap)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref1, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{Content: "a"}, "")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ref2, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{Content: "b"}, ref1)
	if err != nil {
		t.Fatalf("conditional Write() error = %v", err)
	}

	// Writing with the stale ref must fail and leave the store intact.
	if _, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{Content: "c"}, ref1); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("stale write error = %v, want ErrPreconditionFailed", err)
	}
	if got := m.Ref(schema.KindExtensions); got != ref2 {
		t.Errorf("ref after failed CAS = %q, want %q", got, ref2)
	}
	if data := m.Data(schema.KindExtensions); data == nil || data.Content != "b" {
		t.Errorf("data after failed CAS = %+v", data)
	}
}

func TestMemoryConditionalWriteToUnwritten(t *testing.T) {
	m := NewMemory()

	if _, err := m.Write(context.Background(), schema.KindExtensions, &schema.SyncData{}, "1"); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("error = %v, want ErrPreconditionFailed", err)
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailReads(boom)
	if _, err := m.Read(ctx, schema.KindExtensions, ""); !errors.Is(err, boom) {
		t.Errorf("Read() error = %v, want injected", err)
	}
	m.FailReads(nil)
	if _, err := m.Read(ctx, schema.KindExtensions, ""); err != nil {
		t.Errorf("Read() error after clear = %v", err)
	}

	m.FailWrites(ErrTooManyRequests)
	if _, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{}, ""); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("Write() error = %v, want injected", err)
	}
}

func TestMemoryKindsIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Write(ctx, schema.KindExtensions, &schema.SyncData{Content: "e"}, ""); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	snap, err := m.Read(ctx, schema.KindSettings, "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.Data != nil {
		t.Error("settings kind should be unwritten")
	}
}
