// Package dashboard serves a local status endpoint and a websocket
// feed of sync activity for UI frontends.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/statesync/statesync/internal/daemon"
	"github.com/statesync/statesync/internal/store"
)

// MessageType tags a websocket event.
type MessageType string

const (
	TypeSyncStarted  MessageType = "sync_started"
	TypeSyncFinished MessageType = "sync_finished"
	TypeTrigger      MessageType = "trigger"
)

// Message is one websocket event.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncStartedData is the payload of TypeSyncStarted.
type SyncStartedData struct {
	Reason string `json:"reason"`
}

// SyncFinishedData is the payload of TypeSyncFinished.
type SyncFinishedData struct {
	Error string `json:"error,omitempty"`
}

// TriggerData is the payload of TypeTrigger.
type TriggerData struct {
	Sources []string `json:"sources"`
}

// Server is the dashboard HTTP and websocket server.
type Server struct {
	addr   string
	store  *store.Store
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	broadcast  chan Message
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewServer builds a dashboard server listening on addr.
func NewServer(addr string, st *store.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Server{
		addr:      addr,
		store:     st,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
	}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.done = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()
	go s.broadcastLoop()

	s.logger.Printf("dashboard listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, useful with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing every client.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Broadcast queues an event for every connected client.
func (s *Server) Broadcast(msgType MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("failed to encode %s event: %v", msgType, err)
		return
	}
	msg := Message{Type: msgType, Timestamp: time.Now().UTC(), Data: raw}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Printf("broadcast queue full, dropping %s", msgType)
	}
}

// Attach subscribes the server to a coordinator's lifecycle events.
// The returned function detaches.
func (s *Server) Attach(a *daemon.AutoSync) func() {
	r1 := a.OnSyncStart(func(reason string) {
		s.Broadcast(TypeSyncStarted, SyncStartedData{Reason: reason})
	})
	r2 := a.OnSyncFinish(func(err error) {
		data := SyncFinishedData{}
		if err != nil {
			data.Error = err.Error()
		}
		s.Broadcast(TypeSyncFinished, data)
	})
	r3 := a.OnTrigger(func(sources []string) {
		s.Broadcast(TypeTrigger, TriggerData{Sources: sources})
	})
	return func() {
		r1()
		r2()
		r3()
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.broadcast:
			raw, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to encode message: %v", err)
				continue
			}
			s.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.mu.Unlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
					s.removeClient(conn)
				}
				cancel()
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket accept failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("client connected (%d total)", count)

	go s.readLoop(conn)
}

// readLoop drains incoming frames so pings are answered and closes
// are noticed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("client disconnected (%d total)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.States()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []store.StateInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "statesync dashboard")
	fmt.Fprintln(w, "  GET /health  health check")
	fmt.Fprintln(w, "  GET /status  per-kind sync state")
	fmt.Fprintln(w, "  GET /ws      websocket event feed")
}
