package transport

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shellmux/shellmux/internal/errs"
	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/registry"
	"github.com/shellmux/shellmux/internal/session"
	"github.com/shellmux/shellmux/internal/telemetry"
	"github.com/shellmux/shellmux/internal/workspace"
)

// Dispatcher is the Message Dispatcher (C7): a table-driven router
// from event name to handler, holding the shared Registry, Workspace,
// and Permission Policy every handler operates against.
type Dispatcher struct {
	registry *registry.Registry
	ws       *workspace.Workspace
	policy   *permission.Policy
	tel      *telemetry.Telemetry
	log      *slog.Logger

	maxChunkBytes     int
	outboundQueueSize int

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Config bounds the dispatcher's wire behavior.
type Config struct {
	MaxChunkBytes     int
	OutboundQueueSize int
}

// NewDispatcher creates a Dispatcher wired to the given components.
func NewDispatcher(reg *registry.Registry, ws *workspace.Workspace, policy *permission.Policy, tel *telemetry.Telemetry, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 64 * 1024
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	return &Dispatcher{
		registry:          reg,
		ws:                ws,
		policy:            policy,
		tel:               tel,
		log:               log,
		maxChunkBytes:     cfg.MaxChunkBytes,
		outboundQueueSize: cfg.OutboundQueueSize,
		connections:       make(map[string]*Connection),
	}
}

// RegisterConnection adds conn to the set that receives workspace
// broadcasts.
func (d *Dispatcher) RegisterConnection(conn *Connection) {
	d.mu.Lock()
	d.connections[conn.ID] = conn
	d.mu.Unlock()
	if d.tel != nil {
		d.tel.ActiveConnections.Inc()
	}
}

// UnregisterConnection removes conn from the broadcast set.
func (d *Dispatcher) UnregisterConnection(conn *Connection) {
	d.mu.Lock()
	_, existed := d.connections[conn.ID]
	delete(d.connections, conn.ID)
	d.mu.Unlock()
	if existed && d.tel != nil {
		d.tel.ActiveConnections.Dec()
	}
}

// broadcastAll sends env to every currently connected client. Used
// for workspace mutations (spec W3): every client observes mutations
// in the single order they were applied, since this is always called
// from the goroutine that just finished applying the mutation under
// the Workspace's own lock.
func (d *Dispatcher) broadcastAll(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, conn := range d.connections {
		conn.Send(env)
	}
}

// Handle routes a single inbound envelope from conn to its handler.
func (d *Dispatcher) Handle(conn *Connection, env Envelope) {
	handler, ok := handlers[env.Event]
	if !ok {
		d.log.Warn("unknown event", "event", env.Event)
		return
	}
	handler(d, conn, env.Payload)
}

type handlerFunc func(d *Dispatcher, conn *Connection, payload json.RawMessage)

var handlers = map[string]handlerFunc{
	EventWorkspaceConnect: (*Dispatcher).handleWorkspaceConnect,
	EventWorkspaceGet:     (*Dispatcher).handleWorkspaceGet,
	EventTabCreate:        (*Dispatcher).handleTabCreate,
	EventTabDelete:        (*Dispatcher).handleTabDelete,
	EventPaneCreate:       (*Dispatcher).handlePaneCreate,
	EventPaneDelete:       (*Dispatcher).handlePaneDelete,
	EventCreateTerminal:   (*Dispatcher).handleCreateTerminal,
	EventTerminalInput:    (*Dispatcher).handleTerminalInput,
	EventTerminalResize:   (*Dispatcher).handleTerminalResize,
	EventCloseTerminal:    (*Dispatcher).handleCloseTerminal,
	EventReconnectSession: (*Dispatcher).handleReconnectSession,
	EventResumeWorkspace:  (*Dispatcher).handleResumeWorkspace,
}

func (d *Dispatcher) handleWorkspaceConnect(conn *Connection, payload json.RawMessage) {
	var req WorkspaceConnectPayload
	_ = json.Unmarshal(payload, &req)

	if requested := permission.Role(req.Role); requested != "" && roleAtMost(requested, conn.Role) {
		conn.Role = requested
	}

	conn.Send(Envelope{
		Event:   EventWorkspaceConnected,
		Payload: mustMarshal(WorkspaceSnapshotPayload{Workspace: viewFromSnapshot(d.ws.GetWorkspace())}),
	})
}

// roleAtMost reports whether requested is a downgrade of (or equal
// to) actual: a connection may always ask to be treated as less
// privileged than its resolved identity grants, never more.
func roleAtMost(requested, actual permission.Role) bool {
	rank := map[permission.Role]int{
		permission.Anonymous:  0,
		permission.Viewer:     1,
		permission.User:       2,
		permission.Owner:      3,
		permission.Supervisor: 4,
	}
	r, known := rank[requested]
	return known && r <= rank[actual]
}

func (d *Dispatcher) handleWorkspaceGet(conn *Connection, payload json.RawMessage) {
	conn.Send(Envelope{
		Event:   EventWorkspaceData,
		Payload: mustMarshal(WorkspaceSnapshotPayload{Workspace: viewFromSnapshot(d.ws.GetWorkspace())}),
	})
}

func (d *Dispatcher) handleTabCreate(conn *Connection, payload json.RawMessage) {
	var req TabCreatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.InvalidRequest))
		return
	}

	tab := d.ws.CreateTab(workspace.TabSpec{Title: req.Title, Type: req.Type, SubType: req.SubType})
	view := viewFromTab(tab)

	d.broadcastAll(Envelope{Event: EventTabCreated, Payload: mustMarshal(TabCreatedPayload{Tab: view})})
}

func (d *Dispatcher) handleTabDelete(conn *Connection, payload json.RawMessage) {
	var req TabDeletePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.TabID == "" {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.InvalidRequest))
		return
	}

	if !d.ws.DeleteTab(req.TabID) {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.NotFound))
		return
	}

	d.broadcastAll(Envelope{Event: EventTabDeleted, Payload: mustMarshal(TabDeletedPayload{TabID: req.TabID})})
}

func (d *Dispatcher) handlePaneCreate(conn *Connection, payload json.RawMessage) {
	var req PaneCreatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.InvalidRequest))
		return
	}

	pane, ok := d.ws.CreatePane(req.TabID, workspace.PaneSpec{Type: req.Type, SubType: req.SubType})
	if !ok {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.NotFound))
		return
	}

	d.broadcastAll(Envelope{
		Event:   EventPaneCreated,
		Payload: mustMarshal(PaneCreatedPayload{Pane: PaneView{ID: pane.ID, Type: pane.Type, SubType: pane.SubType, SessionID: pane.SessionID}}),
	})
}

func (d *Dispatcher) handlePaneDelete(conn *Connection, payload json.RawMessage) {
	var req PaneDeletePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.PaneID == "" {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.InvalidRequest))
		return
	}

	if !d.ws.DeletePane(req.PaneID) {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.NotFound))
		return
	}

	d.broadcastAll(Envelope{Event: EventPaneDeleted, Payload: mustMarshal(PaneDeletedPayload{PaneID: req.PaneID})})
}

func (d *Dispatcher) handleCreateTerminal(conn *Connection, payload json.RawMessage) {
	var req CreateTerminalPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.InvalidRequest))
		return
	}

	if req.Reconnect && req.PaneID != "" {
		if pane, ok := d.ws.Pane(req.PaneID); ok && pane.SessionID != "" {
			if d.reattachPane(conn, req, pane.SessionID) {
				return
			}
		}
	}

	s, err := d.registry.Create(session.Spec{
		Cols:          req.Cols,
		Rows:          req.Rows,
		OwnerIdentity: conn.Identity,
	})
	if err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
		return
	}
	if d.tel != nil {
		d.tel.SessionsCreated.Inc()
		d.tel.ActiveSessions.Inc()
	}

	if req.PaneID != "" {
		d.ws.BindPaneToSession(req.PaneID, s.ID)
	}

	d.subscribeConnection(conn, s, nil)

	conn.Send(Envelope{
		Event:   EventTerminalReady,
		Payload: mustMarshal(TerminalReadyPayload{Session: s.ID, TabID: req.TabID, Status: "created"}),
	})
}

// reattachPane tries to satisfy a create_terminal{reconnect:true} request
// by reattaching to the session already bound to the pane, reporting
// "restored" for a live session or "restored_from_buffer" for one whose
// buffer survived past its close. Returns false (request unsatisfied) if
// the session is gone entirely, leaving the caller to create a fresh one.
func (d *Dispatcher) reattachPane(conn *Connection, req CreateTerminalPayload, sessionID string) bool {
	result, sub, snapshot, err := d.registry.AttachOrReplay(sessionID, conn.ID, d.outboundQueueSize)
	if err != nil {
		return false
	}

	status := "restored"
	if result == registry.ReplayedClosed {
		status = "restored_from_buffer"
	}

	d.sendChunked(conn, sessionID, snapshot)
	if result == registry.Attached {
		if s, getErr := d.registry.Get(sessionID); getErr == nil {
			d.subscribeConnection(conn, s, sub)
		}
	}

	conn.Send(Envelope{
		Event:   EventTerminalReady,
		Payload: mustMarshal(TerminalReadyPayload{Session: sessionID, TabID: req.TabID, Status: status}),
	})
	return true
}

func (d *Dispatcher) handleTerminalInput(conn *Connection, payload json.RawMessage) {
	var req TerminalInputPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.InvalidRequest))
		return
	}

	s, err := d.registry.Get(req.Session)
	if err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
		return
	}

	if err := s.WriteInput([]byte(req.Data), conn.Subject()); err != nil {
		if d.tel != nil && errs.KindOf(err) == errs.PermissionDenied {
			d.tel.PermissionDenied.WithLabelValues("write").Inc()
		}
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
	}
}

func (d *Dispatcher) handleTerminalResize(conn *Connection, payload json.RawMessage) {
	var req TerminalResizePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.InvalidRequest))
		return
	}

	s, err := d.registry.Get(req.Session)
	if err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
		return
	}

	if err := s.Resize(req.Cols, req.Rows, conn.Subject()); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
	}
}

func (d *Dispatcher) handleCloseTerminal(conn *Connection, payload json.RawMessage) {
	var req CloseTerminalPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.InvalidRequest))
		return
	}

	if err := d.registry.Close(req.Session, conn.Subject(), "closed by client"); err != nil {
		conn.Send(errorEnvelope(EventTerminalError, errs.KindOf(err)))
	}
}

func (d *Dispatcher) handleReconnectSession(conn *Connection, payload json.RawMessage) {
	var req ReconnectSessionPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventSessionReconnectError, errs.InvalidRequest))
		return
	}

	result, sub, snapshot, err := d.registry.AttachOrReplay(req.Session, conn.ID, d.outboundQueueSize)
	if err != nil {
		conn.Send(errorEnvelope(EventSessionReconnectError, errs.KindOf(err)))
		return
	}

	s, _ := d.registry.Get(req.Session)

	restoredFromBuffer := result == registry.ReplayedClosed
	conn.Send(Envelope{
		Event: EventSessionReconnected,
		Payload: mustMarshal(SessionReconnectedPayload{
			SessionID:          req.Session,
			HistoryLines:       linesIn(snapshot),
			RestoredFromBuffer: restoredFromBuffer,
		}),
	})

	d.sendChunked(conn, req.Session, snapshot)

	if result == registry.Attached {
		d.subscribeConnection(conn, s, sub)
	}
}

func (d *Dispatcher) handleResumeWorkspace(conn *Connection, payload json.RawMessage) {
	var req ResumeWorkspacePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Send(errorEnvelope(EventWorkspaceError, errs.InvalidRequest))
		return
	}

	var resumed, created []ResumedTabEntry

	for _, tabSpec := range req.Tabs {
		tab := d.ws.ResumeTab(tabSpec.ID, workspace.TabSpec{Type: tabSpec.Type, SubType: tabSpec.SubType})

		var resumedPanes, createdPanes []ResumedPaneEntry
		for _, paneSpec := range tabSpec.Panes {
			pane, ok := d.ws.ResumePane(tab.ID, paneSpec.ID, workspace.PaneSpec{Type: paneSpec.Type, SubType: paneSpec.SubType})
			if !ok {
				continue
			}

			if paneSpec.SessionID != "" {
				result, sub, snapshot, err := d.registry.AttachOrReplay(paneSpec.SessionID, conn.ID, d.outboundQueueSize)
				if err == nil {
					d.ws.BindPaneToSession(pane.ID, paneSpec.SessionID)
					d.sendChunked(conn, paneSpec.SessionID, snapshot)
					if result == registry.Attached {
						if s, getErr := d.registry.Get(paneSpec.SessionID); getErr == nil {
							d.subscribeConnection(conn, s, sub)
						}
					}
					resumedPanes = append(resumedPanes, ResumedPaneEntry{PaneID: pane.ID, SessionID: paneSpec.SessionID})
					continue
				}
			}

			// Could not reattach: rebuild a fresh session in this slot.
			s, err := d.registry.Create(session.Spec{Cols: 80, Rows: 24, OwnerIdentity: conn.Identity})
			if err != nil {
				continue
			}
			if d.tel != nil {
				d.tel.SessionsCreated.Inc()
				d.tel.ActiveSessions.Inc()
			}
			d.ws.BindPaneToSession(pane.ID, s.ID)
			d.subscribeConnection(conn, s, nil)
			createdPanes = append(createdPanes, ResumedPaneEntry{PaneID: pane.ID, SessionID: s.ID})
		}

		if len(createdPanes) > 0 {
			created = append(created, ResumedTabEntry{TabID: tab.ID, Panes: createdPanes})
		}
		if len(resumedPanes) > 0 {
			resumed = append(resumed, ResumedTabEntry{TabID: tab.ID, Panes: resumedPanes})
		}
	}

	conn.Send(Envelope{
		Event: EventWorkspaceResumed,
		Payload: mustMarshal(WorkspaceResumedPayload{
			WorkspaceID: req.WorkspaceID,
			ResumedTabs: resumed,
			CreatedTabs: created,
		}),
	})
}

// subscribeConnection wires conn to receive sess's live output,
// reusing an already-obtained subscriber if one was passed in (from
// AttachOrReplay), or attaching fresh otherwise. It starts the
// forwarding goroutine and tracks teardown on conn.
func (d *Dispatcher) subscribeConnection(conn *Connection, sess *session.Session, sub *session.Subscriber) {
	if sub == nil {
		sub, _ = sess.Attach(conn.ID, d.outboundQueueSize)
	}

	conn.TrackSubscription(sess.ID, func() { sess.Detach(sub) })

	go func() {
		for {
			select {
			case chunk, ok := <-sub.Ch:
				if !ok {
					return
				}
				if chunk == nil {
					conn.Send(Envelope{
						Event:   EventTerminalClosed,
						Payload: mustMarshal(TerminalClosedPayload{Session: sess.ID, Reason: sess.CloseReason()}),
					})
					conn.DropSubscription(sess.ID)
					return
				}
				d.sendChunked(conn, sess.ID, chunk)
			case <-sub.Done():
				return
			case <-conn.Done():
				return
			}
		}
	}()
}

// sendChunked splits data into frames no larger than maxChunkBytes,
// sent in order as successive terminal_output envelopes.
func (d *Dispatcher) sendChunked(conn *Connection, sessionID string, data []byte) {
	if len(data) == 0 {
		return
	}
	for offset := 0; offset < len(data); offset += d.maxChunkBytes {
		end := offset + d.maxChunkBytes
		if end > len(data) {
			end = len(data)
		}
		conn.Send(Envelope{
			Event:   EventTerminalOutput,
			Payload: mustMarshal(TerminalOutputPayload{Session: sessionID, Data: string(data[offset:end])}),
		})
	}
}

func linesIn(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func viewFromTab(t *workspace.Tab) TabView {
	panes := make([]PaneView, 0, len(t.Panes))
	for _, p := range t.Panes {
		panes = append(panes, PaneView{ID: p.ID, Type: p.Type, SubType: p.SubType, SessionID: p.SessionID})
	}
	return TabView{ID: t.ID, Title: t.Title, Type: t.Type, SubType: t.SubType, Layout: t.Layout, Panes: panes}
}
