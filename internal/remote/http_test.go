package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/statesync/statesync/internal/schema"
)

func TestHTTPReadOK(t *testing.T) {
	var gotAuth, gotNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/v1/resource/extensions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotNoneMatch = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", "ref-7")
		json.NewEncoder(w).Encode(schema.SyncData{Version: schema.Version, Content: "[]"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "tok-123")
	snap, err := c.Read(context.Background(), schema.KindExtensions, "ref-6")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotNoneMatch != "ref-6" {
		t.Errorf("If-None-Match = %q, want ref-6", gotNoneMatch)
	}
	if snap.Ref != "ref-7" || snap.Data == nil || snap.Data.Version != schema.Version {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHTTPReadNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	snap, err := NewHTTP(srv.URL, "").Read(context.Background(), schema.KindExtensions, "ref-6")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !snap.NotModified || snap.Ref != "ref-6" || snap.Data != nil {
		t.Errorf("snapshot = %+v, want not-modified at ref-6", snap)
	}
}

func TestHTTPReadNeverWritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	snap, err := NewHTTP(srv.URL, "").Read(context.Background(), schema.KindExtensions, "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.Ref != "" || snap.Data != nil || snap.NotModified {
		t.Errorf("snapshot = %+v, want zero snapshot", snap)
	}
}

func TestHTTPWriteConditional(t *testing.T) {
	var gotMatch, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotMatch = r.Header.Get("If-Match")
		gotType = r.Header.Get("Content-Type")
		var data schema.SyncData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Header().Set("ETag", "ref-8")
	}))
	defer srv.Close()

	ref, err := NewHTTP(srv.URL, "").Write(context.Background(), schema.KindSettings,
		&schema.SyncData{Version: schema.Version, Content: "{}"}, "ref-7")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ref != "ref-8" {
		t.Errorf("ref = %q, want ref-8", ref)
	}
	if gotMatch != "ref-7" {
		t.Errorf("If-Match = %q, want ref-7", gotMatch)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrSessionExpired},
		{http.StatusForbidden, ErrSessionExpired},
		{http.StatusGone, ErrTurnedOff},
		{http.StatusPreconditionFailed, ErrPreconditionFailed},
		{http.StatusTooManyRequests, ErrTooManyRequests},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := NewHTTP(srv.URL, "").Write(context.Background(), schema.KindExtensions,
			&schema.SyncData{Version: schema.Version}, "")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: error = %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestHTTPUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "").Read(context.Background(), schema.KindExtensions, "")
	if err == nil {
		t.Fatal("expected error for 500")
	}
	for _, sentinel := range []error{ErrSessionExpired, ErrTurnedOff, ErrPreconditionFailed, ErrTooManyRequests} {
		if errors.Is(err, sentinel) {
			t.Errorf("500 must not map to %v", sentinel)
		}
	}
}
