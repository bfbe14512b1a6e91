// Package gateway exposes the realtime engine over WebSocket.
//
// Each client connection attaches to one scoped change channel (a project's
// tickets or a ticket's comments) or one presence room, and receives change
// events, channel lifecycle transitions, and presence signals as JSON frames.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/denvudd/taskflow/internal/presence"
	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// MessageType defines the type of frame sent to clients.
type MessageType string

const (
	// MessageTypeChange carries an insert, update, or delete event.
	MessageTypeChange MessageType = "change"

	// MessageTypeChannelState carries a channel lifecycle transition.
	MessageTypeChannelState MessageType = "channel_state"

	// MessageTypePresence carries a presence sync, join, or leave signal.
	MessageTypePresence MessageType = "presence"
)

// Message is one frame on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeData is the payload of a change frame. Exactly one of Ticket or
// Comment is set; delete pre-images carry only the id.
type ChangeData struct {
	Event   string      `json:"event"`
	Table   string      `json:"table"`
	Ticket  interface{} `json:"ticket,omitempty"`
	Comment interface{} `json:"comment,omitempty"`
}

// ChannelStateData is the payload of a channel_state frame.
type ChannelStateData struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// PresenceData is the payload of a presence frame. Roster is set on sync
// signals only; Key and Identity are set on join and leave deltas.
type PresenceData struct {
	Signal   string            `json:"signal"`
	Key      string            `json:"key,omitempty"`
	Identity *presence.Record  `json:"identity,omitempty"`
	Roster   []presence.Record `json:"roster,omitempty"`
}

// Server manages WebSocket connections and bridges them to the change-stream
// registry and the presence hub.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	registry *stream.Registry
	hub      *presence.Hub
	store    *store.Store

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// NewServer creates a gateway over the given registry, hub, and store.
func NewServer(config *Config, registry *stream.Registry, hub *presence.Hub, st *store.Store) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		registry: registry,
		hub:      hub,
		store:    st,
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handlers.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/changes", s.handleChanges)
	mux.HandleFunc("/ws/presence", s.handlePresence)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Gateway listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and closes all client connections.
func (s *Server) Stop() error {
	s.logger.Println("Stopping gateway")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Gateway stopped")
	return nil
}

// handleChanges attaches a client to one scoped change channel. Query
// parameters: table (tickets|comments) and scope (project id or ticket id).
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var table stream.Table
	switch r.URL.Query().Get("table") {
	case "tickets":
		table = stream.TableTickets
	case "comments":
		table = stream.TableComments
	default:
		http.Error(w, "table must be tickets or comments", http.StatusBadRequest)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		http.Error(w, "scope is required", http.StatusBadRequest)
		return
	}

	sub, err := s.registry.Acquire(table, scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Allow all origins for development
	})
	if err != nil {
		sub.Close()
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.addClient(conn)
	s.logger.Printf("Client attached to %s/%s (total: %d)", table, scope, s.ClientCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		defer s.removeClient(conn)
		s.pumpChanges(conn, sub)
	}()

	// The read loop detects the disconnect; closing the subscription unwinds
	// the pump.
	go func() {
		s.readLoop(conn)
		sub.Close()
	}()
}

// pumpChanges forwards change events and lifecycle transitions to one client
// until the subscription or connection closes.
func (s *Server) pumpChanges(conn *websocket.Conn, sub *stream.Subscription) {
	events := sub.Events()
	states := sub.States()

	for events != nil || states != nil {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			data := ChangeData{
				Event: string(ev.Type),
				Table: string(ev.Table),
			}
			if ev.Ticket != nil {
				data.Ticket = ev.Ticket
			}
			if ev.Comment != nil {
				data.Comment = ev.Comment
			}
			if !s.send(conn, MessageTypeChange, data) {
				return
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			data := ChannelStateData{State: st.State.String()}
			if st.Err != nil {
				data.Error = st.Err.Error()
			}
			if !s.send(conn, MessageTypeChannelState, data) {
				return
			}
		}
	}
}

// handlePresence attaches a client to one presence room. Query parameters:
// doc (room id) and user (profile id to track as). Presence is best effort:
// an unknown user id still gets the roster feed, just without tracking.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "doc is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	profile, err := s.store.GetProfile(r.Context(), userID)
	if err != nil {
		s.logger.Printf("Presence profile lookup for %s failed: %v", userID, err)
	}

	viewer, err := s.hub.Subscribe(docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		viewer.Close()
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.addClient(conn)
	s.logger.Printf("Client joined presence room %s (total: %d)", docID, s.ClientCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer viewer.Close()
		defer s.removeClient(conn)
		s.pumpPresence(conn, viewer, profile)
	}()

	go func() {
		s.readLoop(conn)
		viewer.Close()
	}()
}

// pumpPresence forwards roster signals to one client, tracking the user's
// own identity once the room subscription is live.
func (s *Server) pumpPresence(conn *websocket.Conn, viewer *presence.Viewer, profile *types.Profile) {
	signals := viewer.Signals()
	states := viewer.States()

	for signals != nil || states != nil {
		select {
		case <-s.ctx.Done():
			return

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			data := PresenceData{
				Signal: sig.Type.String(),
				Key:    sig.Key,
				Roster: sig.Roster,
			}
			if sig.Type != presence.SignalSync {
				identity := sig.Identity
				data.Identity = &identity
			}
			if !s.send(conn, MessageTypePresence, data) {
				return
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if st.State == stream.StateSubscribed && profile != nil {
				if err := viewer.Track(*profile); err != nil {
					s.logger.Printf("Presence track failed: %v", err)
				}
			}
			data := ChannelStateData{State: st.State.String()}
			if st.Err != nil {
				data.Error = st.Err.Error()
			}
			if !s.send(conn, MessageTypeChannelState, data) {
				return
			}
		}
	}
}

// send writes one frame with a bounded deadline. Returns false when the
// connection is gone.
func (s *Server) send(conn *websocket.Conn, msgType MessageType, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to marshal %s payload: %v", msgType, err)
		return true
	}
	frame, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		s.logger.Printf("Failed to marshal frame: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
		return false
	}
	return true
}

// readLoop keeps the WebSocket connection alive and detects client
// disconnects. Client frames are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Taskflow Gateway</title>
</head>
<body>
    <h1>Taskflow Realtime Gateway</h1>
    <p>Change streams: <code>ws://%s/ws/changes?table=tickets&amp;scope=&lt;project-id&gt;</code></p>
    <p>Presence rooms: <code>ws://%s/ws/presence?doc=&lt;doc-id&gt;&amp;user=&lt;user-id&gt;</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
