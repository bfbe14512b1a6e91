package gateway

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

	"github.com/denvudd/taskflow/internal/presence"
	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fixture struct {
	server  *Server
	store   *store.Store
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	broker := stream.NewBroker(testLogger())
	t.Cleanup(broker.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), broker, testLogger())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	if err := st.UpsertProfile(ctx, &types.Profile{ID: "u1", Username: "alice", FullName: "Alice Chen"}); err != nil {
		t.Fatalf("Failed to seed profile: %v", err)
	}
	project, err := st.CreateProject(ctx, &store.Project{Name: "Board", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}

	hub := presence.NewHub(testLogger())
	t.Cleanup(hub.Close)
	registry := stream.NewRegistry(broker, testLogger())

	server := NewServer(&Config{Port: 0, Logger: testLogger()}, registry, hub, st)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return &fixture{server: server, store: st, project: project}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal frame: %v", err)
	}
	return msg
}

// readFrameOfType skips frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, ctx context.Context, conn *websocket.Conn, want MessageType) Message {
	t.Helper()
	for {
		msg := readFrame(t, ctx, conn)
		if msg.Type == want {
			return msg
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get("http://" + f.server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestChangesStreamDeliversStoreMutations(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws://" + f.server.GetAddr() + "/ws/changes?table=tickets&scope=" + f.project.ID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The lifecycle transitions arrive first.
	state := readFrameOfType(t, ctx, conn, MessageTypeChannelState)
	var stateData ChannelStateData
	if err := json.Unmarshal(state.Data, &stateData); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}

	created, err := f.store.CreateTicket(ctx, &types.Ticket{
		ProjectID: f.project.ID,
		Title:     "announced",
		CreatorID: "u1",
	})
	if err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	change := readFrameOfType(t, ctx, conn, MessageTypeChange)
	var changeData struct {
		Event  string        `json:"event"`
		Table  string        `json:"table"`
		Ticket *types.Ticket `json:"ticket"`
	}
	if err := json.Unmarshal(change.Data, &changeData); err != nil {
		t.Fatalf("Failed to unmarshal change: %v", err)
	}
	if changeData.Event != "INSERT" || changeData.Table != "tickets" {
		t.Errorf("Expected tickets INSERT, got %s %s", changeData.Table, changeData.Event)
	}
	if changeData.Ticket == nil || changeData.Ticket.ID != created.ID {
		t.Errorf("Expected ticket %s in payload", created.ID)
	}
}

func TestChangesStreamRejectsBadQuery(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/ws/changes?table=profiles&scope=x",
		"/ws/changes?table=tickets",
	} {
		resp, err := http.Get("http://" + f.server.GetAddr() + path)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestPresenceStreamTracksUser(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws://" + f.server.GetAddr() + "/ws/presence?doc=ticket-1&user=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Once the room subscription is live the server tracks the user, and the
	// authoritative roster comes back.
	frame := readFrameOfType(t, ctx, conn, MessageTypePresence)
	var data PresenceData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal presence frame: %v", err)
	}
	if data.Signal != "sync" {
		t.Fatalf("Expected sync signal, got %s", data.Signal)
	}
	if len(data.Roster) != 1 || data.Roster[0].UserID != "u1" {
		t.Errorf("Expected roster [u1], got %v", data.Roster)
	}
	if data.Roster[0].Name != "Alice Chen" {
		t.Errorf("Expected display name, got %q", data.Roster[0].Name)
	}
}

func TestClientDisconnectLeavesPresenceRoom(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, "ws://"+f.server.GetAddr()+"/ws/presence?doc=d1&user=u1", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	readFrameOfType(t, ctx, first, MessageTypePresence) // own sync

	second, _, err := websocket.Dial(ctx, "ws://"+f.server.GetAddr()+"/ws/presence?doc=d1&user=u1", nil)
	if err != nil {
		t.Fatalf("Failed to connect second client: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "")
	readFrameOfType(t, ctx, second, MessageTypePresence)

	// Drop the first connection; its viewer must untrack so no ghost
	// occupant lingers, and the remaining client observes the leave.
	first.Close(websocket.StatusNormalClosure, "")

	for {
		frame := readFrameOfType(t, ctx, second, MessageTypePresence)
		var data PresenceData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal presence frame: %v", err)
		}
		if data.Signal == "leave" {
			if data.Key != "u1" {
				t.Errorf("Expected leave for u1, got %s", data.Key)
			}
			return
		}
	}
}
