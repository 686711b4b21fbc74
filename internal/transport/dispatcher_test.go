package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/registry"
	"github.com/shellmux/shellmux/internal/session"
	"github.com/shellmux/shellmux/internal/workspace"
)

func testSessionConfig() session.Config {
	return session.Config{
		BufferByteCap:     1024 * 1024,
		BufferLineCap:     5000,
		OutboundQueueSize: 32,
		WriteTimeout:      2 * time.Second,
		CloseGrace:        200 * time.Millisecond,
	}
}

// testHarness wires a Dispatcher to a single live WebSocket connection
// backed by a real httptest server, so Connection.Send has a genuine
// socket to write to.
type testHarness struct {
	t        *testing.T
	dispatch *Dispatcher
	registry *registry.Registry
	conn     *Connection
	client   *websocket.Conn
	server   *httptest.Server
}

func newTestHarness(t *testing.T, identity string, role permission.Role) *testHarness {
	t.Helper()

	reg := registry.New(permission.New(false), testSessionConfig(), time.Hour, nil)
	ws := workspace.New(func(string) {})
	policy := permission.New(false)
	dispatch := NewDispatcher(reg, ws, policy, nil, Config{OutboundQueueSize: 16}, nil)

	var serverConn *Connection
	connReady := make(chan struct{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = NewConnection(wsConn, identity, role, 16, nil, nil)
		dispatch.RegisterConnection(serverConn)
		close(connReady)
		go serverConn.WritePump()
		serverConn.ReadPump(func(env Envelope) { dispatch.Handle(serverConn, env) })
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	<-connReady

	return &testHarness{t: t, dispatch: dispatch, registry: reg, conn: serverConn, client: client, server: srv}
}

func (h *testHarness) close() {
	h.client.Close()
	h.registry.Stop()
	h.server.Close()
}

func (h *testHarness) send(t *testing.T, env Envelope) {
	t.Helper()
	if err := h.client.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *testHarness) recv(t *testing.T) Envelope {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := h.client.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// recvEvent drains envelopes until one matching event arrives, ignoring
// interleaved terminal_output frames from a session's own PTY startup
// noise. Used where a handler's reply can race with output fan-out on
// the same connection.
func (h *testHarness) recvEvent(t *testing.T, event string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := h.recv(t)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("never observed event %q", event)
	return Envelope{}
}

func TestRoleAtMost(t *testing.T) {
	tests := []struct {
		requested, actual permission.Role
		want              bool
	}{
		{permission.Viewer, permission.Owner, true},
		{permission.Owner, permission.Owner, true},
		{permission.Supervisor, permission.Owner, false},
		{permission.Anonymous, permission.Anonymous, true},
		{permission.User, permission.Viewer, false},
	}
	for _, tt := range tests {
		if got := roleAtMost(tt.requested, tt.actual); got != tt.want {
			t.Errorf("roleAtMost(%s, %s) = %v, want %v", tt.requested, tt.actual, got, tt.want)
		}
	}
}

func TestHandleWorkspaceConnectDowngradesRoleOnly(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{
		Event:   EventWorkspaceConnect,
		Payload: mustMarshal(WorkspaceConnectPayload{Role: "Supervisor"}),
	})
	env := h.recv(t)
	if env.Event != EventWorkspaceConnected {
		t.Fatalf("event = %q, want %q", env.Event, EventWorkspaceConnected)
	}
	if h.conn.Role != permission.Owner {
		t.Errorf("role = %q, want unchanged Owner (elevation must be refused)", h.conn.Role)
	}

	h.send(t, Envelope{
		Event:   EventWorkspaceConnect,
		Payload: mustMarshal(WorkspaceConnectPayload{Role: "Viewer"}),
	})
	h.recv(t)
	if h.conn.Role != permission.Viewer {
		t.Errorf("role = %q, want Viewer (downgrade must be honored)", h.conn.Role)
	}
}

func TestHandleTabCreateBroadcasts(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{
		Event:   EventTabCreate,
		Payload: mustMarshal(TabCreatePayload{Title: "main", Type: "terminal"}),
	})

	env := h.recv(t)
	if env.Event != EventTabCreated {
		t.Fatalf("event = %q, want %q", env.Event, EventTabCreated)
	}
	var payload TabCreatedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Tab.Title != "main" {
		t.Errorf("tab title = %q, want %q", payload.Tab.Title, "main")
	}
}

func TestHandleTabDeleteUnknownReturnsNotFound(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{
		Event:   EventTabDelete,
		Payload: mustMarshal(TabDeletePayload{TabID: "does-not-exist"}),
	})

	env := h.recv(t)
	if env.Event != EventWorkspaceError {
		t.Fatalf("event = %q, want %q", env.Event, EventWorkspaceError)
	}
}

func TestHandleCreateTerminalStreamsOutput(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{
		Event: EventCreateTerminal,
		Payload: mustMarshal(CreateTerminalPayload{
			Cols: 80, Rows: 24,
		}),
	})

	env := h.recv(t)
	if env.Event != EventTerminalReady {
		t.Fatalf("event = %q, want %q", env.Event, EventTerminalReady)
	}
	var ready TerminalReadyPayload
	if err := json.Unmarshal(env.Payload, &ready); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ready.Session == "" {
		t.Fatal("expected a session id")
	}

	h.send(t, Envelope{
		Event:   EventTerminalInput,
		Payload: mustMarshal(TerminalInputPayload{Session: ready.Session, Data: "echo hi\n"}),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := h.recv(t)
		if env.Event == EventTerminalOutput {
			var out TerminalOutputPayload
			if err := json.Unmarshal(env.Payload, &out); err == nil && strings.Contains(out.Data, "hi") {
				return
			}
		}
	}
	t.Fatal("never observed echoed output")
}

func TestSendChunkedSplitsLargePayloads(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.dispatch.maxChunkBytes = 16
	data := strings.Repeat("x", 40)
	h.dispatch.sendChunked(h.conn, "sess-1", []byte(data))

	var got strings.Builder
	chunks := 0
	for got.Len() < len(data) {
		env := h.recv(t)
		if env.Event != EventTerminalOutput {
			t.Fatalf("event = %q, want %q", env.Event, EventTerminalOutput)
		}
		var out TerminalOutputPayload
		if err := json.Unmarshal(env.Payload, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(out.Data) > 16 {
			t.Fatalf("chunk of %d bytes exceeds maxChunkBytes", len(out.Data))
		}
		got.WriteString(out.Data)
		chunks++
	}
	if got.String() != data {
		t.Errorf("reassembled data = %q, want %q", got.String(), data)
	}
	if chunks < 3 {
		t.Errorf("expected multiple chunks, got %d", chunks)
	}
}

func TestHandleReconnectSessionAttachesRunningSession(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{Event: EventCreateTerminal, Payload: mustMarshal(CreateTerminalPayload{Cols: 80, Rows: 24})})
	var ready TerminalReadyPayload
	if err := json.Unmarshal(h.recvEvent(t, EventTerminalReady).Payload, &ready); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	h.send(t, Envelope{
		Event:   EventReconnectSession,
		Payload: mustMarshal(ReconnectSessionPayload{Session: ready.Session}),
	})

	var reconnected SessionReconnectedPayload
	if err := json.Unmarshal(h.recvEvent(t, EventSessionReconnected).Payload, &reconnected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reconnected.SessionID != ready.Session {
		t.Errorf("sessionId = %q, want %q", reconnected.SessionID, ready.Session)
	}
	if reconnected.RestoredFromBuffer {
		t.Error("restoredFromBuffer = true, want false for a still-running session")
	}

	h.send(t, Envelope{
		Event:   EventTerminalInput,
		Payload: mustMarshal(TerminalInputPayload{Session: ready.Session, Data: "echo hi\n"}),
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := h.recv(t)
		if env.Event == EventTerminalOutput {
			var out TerminalOutputPayload
			if err := json.Unmarshal(env.Payload, &out); err == nil && strings.Contains(out.Data, "hi") {
				return
			}
		}
	}
	t.Fatal("reconnected subscriber never observed live output")
}

func TestHandleReconnectSessionReplaysClosedSessionBuffer(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	h.send(t, Envelope{Event: EventCreateTerminal, Payload: mustMarshal(CreateTerminalPayload{Cols: 80, Rows: 24})})
	var ready TerminalReadyPayload
	if err := json.Unmarshal(h.recvEvent(t, EventTerminalReady).Payload, &ready); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if err := h.registry.Close(ready.Session, permission.Subject{Role: permission.Supervisor}, "test teardown"); err != nil {
		t.Fatalf("close: %v", err)
	}
	h.recvEvent(t, EventTerminalClosed)

	h.send(t, Envelope{
		Event:   EventReconnectSession,
		Payload: mustMarshal(ReconnectSessionPayload{Session: ready.Session}),
	})

	var reconnected SessionReconnectedPayload
	if err := json.Unmarshal(h.recvEvent(t, EventSessionReconnected).Payload, &reconnected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reconnected.RestoredFromBuffer {
		t.Error("restoredFromBuffer = false, want true for a closed session's retained buffer")
	}
}

func TestHandleResumeWorkspaceEchoesClientIDs(t *testing.T) {
	h := newTestHarness(t, "alice", permission.Owner)
	defer h.close()

	req := ResumeWorkspacePayload{
		WorkspaceID: "default",
		Tabs: []ResumeTabSpec{{
			ID:   "t1",
			Type: "terminal",
			Panes: []ResumePaneSpec{{
				ID:   "p1",
				Type: "terminal",
			}},
		}},
	}

	h.send(t, Envelope{Event: EventResumeWorkspace, Payload: mustMarshal(req)})

	var resumed WorkspaceResumedPayload
	if err := json.Unmarshal(h.recvEvent(t, EventWorkspaceResumed).Payload, &resumed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resumed.CreatedTabs) != 1 || resumed.CreatedTabs[0].TabID != "t1" {
		t.Fatalf("createdTabs = %+v, want a single entry echoing tabId %q", resumed.CreatedTabs, "t1")
	}
	if len(resumed.CreatedTabs[0].Panes) != 1 || resumed.CreatedTabs[0].Panes[0].PaneID != "p1" {
		t.Fatalf("panes = %+v, want a single entry echoing paneId %q", resumed.CreatedTabs[0].Panes, "p1")
	}
	firstSessionID := resumed.CreatedTabs[0].Panes[0].SessionID

	// A repeated resume presenting the same tab/pane/session ids (as a
	// real client would, having remembered the first reply) must
	// restitch the same tab/pane rather than minting a duplicate
	// (invariant W2): the workspace must still contain exactly one tab
	// afterward, and the pane must stay bound to the same session.
	req.Tabs[0].Panes[0].SessionID = firstSessionID
	h.send(t, Envelope{Event: EventResumeWorkspace, Payload: mustMarshal(req)})
	var secondResumed WorkspaceResumedPayload
	if err := json.Unmarshal(h.recvEvent(t, EventWorkspaceResumed).Payload, &secondResumed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	all := append(append([]ResumedTabEntry{}, secondResumed.ResumedTabs...), secondResumed.CreatedTabs...)
	if len(all) != 1 || all[0].TabID != "t1" {
		t.Fatalf("second resume tabs = %+v, want a single entry still keyed on %q", all, "t1")
	}
	if len(all[0].Panes) != 1 || all[0].Panes[0].PaneID != "p1" || all[0].Panes[0].SessionID != firstSessionID {
		t.Fatalf("second resume panes = %+v, want the same pane %q bound to session %q", all[0].Panes, "p1", firstSessionID)
	}

	snapshot := h.dispatch.ws.GetWorkspace()
	if len(snapshot.Tabs) != 1 {
		t.Fatalf("workspace has %d tabs after repeated resume, want 1 (no duplicate tab)", len(snapshot.Tabs))
	}
}
