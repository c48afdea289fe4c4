package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/statesync/statesync/internal/schema"
	"github.com/statesync/statesync/internal/store"
)

func startTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	srv := NewServer("127.0.0.1:0", st, log.New(io.Discard, "", 0))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, st
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := startTestServer(t)

	err := st.SaveLastSync(&schema.LastSyncState{
		Kind: schema.KindExtensions,
		Ref:  "ref-1",
		Data: &schema.SyncData{Version: schema.Version, Content: "[]"},
	})
	if err != nil {
		t.Fatalf("SaveLastSync() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status error = %v", err)
	}
	defer resp.Body.Close()

	var states []store.StateInfo
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(states) != 1 || states[0].Kind != schema.KindExtensions || states[0].Ref != "ref-1" {
		t.Errorf("states = %+v", states)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	srv, _ := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Registration races the broadcast; poll until the event lands.
	received := make(chan Message, 1)
	go func() {
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(raw, &msg) == nil {
				received <- msg
				return
			}
		}
	}()

	var msg Message
	deadline := time.After(3 * time.Second)
	for {
		srv.Broadcast(TypeSyncStarted, SyncStartedData{Reason: "test"})
		select {
		case msg = <-received:
		case <-time.After(50 * time.Millisecond):
			continue
		case <-deadline:
			t.Fatal("no websocket message received")
		}
		break
	}

	if msg.Type != TypeSyncStarted {
		t.Errorf("type = %s, want %s", msg.Type, TypeSyncStarted)
	}
	var data SyncStartedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode data error = %v", err)
	}
	if data.Reason != "test" {
		t.Errorf("reason = %q, want test", data.Reason)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}
