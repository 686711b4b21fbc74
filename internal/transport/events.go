// Package transport implements the Client Connection (C6) and
// Message Dispatcher (C7): the WebSocket wire protocol, per-connection
// pumps, and the table-driven routing of named events to handlers.
package transport

import (
	"encoding/json"

	"github.com/shellmux/shellmux/internal/errs"
	"github.com/shellmux/shellmux/internal/workspace"
)

// Envelope is the outer wire frame for both directions: a named event
// plus an opaque payload, so the event name never collides with a
// payload field of the same name (e.g. a tab's own "type").
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Workspace payloads ---

type WorkspaceConnectPayload struct {
	Role string `json:"role"`
}

type WorkspaceSnapshotPayload struct {
	Workspace WorkspaceView `json:"workspace"`
}

type WorkspaceView struct {
	Tabs        []TabView `json:"tabs"`
	ActiveTabID string    `json:"activeTabId"`
}

type TabView struct {
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Type    string     `json:"type"`
	SubType string     `json:"subType,omitempty"`
	Layout  string     `json:"layout,omitempty"`
	Panes   []PaneView `json:"panes"`
}

type PaneView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SubType   string `json:"subType,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func viewFromSnapshot(snap workspace.Snapshot) WorkspaceView {
	tabs := make([]TabView, 0, len(snap.Tabs))
	for _, t := range snap.Tabs {
		panes := make([]PaneView, 0, len(t.Panes))
		for _, p := range t.Panes {
			panes = append(panes, PaneView{ID: p.ID, Type: p.Type, SubType: p.SubType, SessionID: p.SessionID})
		}
		tabs = append(tabs, TabView{ID: t.ID, Title: t.Title, Type: t.Type, SubType: t.SubType, Layout: t.Layout, Panes: panes})
	}
	return WorkspaceView{Tabs: tabs, ActiveTabID: snap.ActiveTabID}
}

type TabCreatePayload struct {
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	SubType     string `json:"subType,omitempty"`
}

type TabCreatedPayload struct {
	Tab TabView `json:"tab"`
}

type TabDeletePayload struct {
	TabID string `json:"tabId"`
}

type TabDeletedPayload struct {
	TabID string `json:"tabId"`
}

type PaneCreatePayload struct {
	TabID   string `json:"tabId"`
	Type    string `json:"type"`
	SubType string `json:"subType,omitempty"`
}

type PaneCreatedPayload struct {
	Pane PaneView `json:"pane"`
}

type PaneDeletePayload struct {
	PaneID string `json:"paneId"`
}

type PaneDeletedPayload struct {
	PaneID string `json:"paneId"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// --- Session payloads ---

type CreateTerminalPayload struct {
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	TabID     string `json:"tabId,omitempty"`
	PaneID    string `json:"paneId,omitempty"`
	SubType   string `json:"subType,omitempty"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

type TerminalReadyPayload struct {
	Session string `json:"session"`
	TabID   string `json:"tabId,omitempty"`
	Status  string `json:"status"`
}

type TerminalInputPayload struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type TerminalResizePayload struct {
	Session string `json:"session"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

type TerminalOutputPayload struct {
	Session string `json:"session"`
	Data    string `json:"data"`
}

type TerminalClosedPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

type CloseTerminalPayload struct {
	Session string `json:"session"`
}

type ReconnectSessionPayload struct {
	Session string `json:"session"`
}

type SessionReconnectedPayload struct {
	SessionID         string `json:"sessionId"`
	HistoryLines      int    `json:"historyLines"`
	RestoredFromBuffer bool  `json:"restoredFromBuffer,omitempty"`
	Truncated         bool   `json:"truncated,omitempty"`
}

type ResumeWorkspacePayload struct {
	WorkspaceID string          `json:"workspaceId"`
	Tabs        []ResumeTabSpec `json:"tabs"`
}

type ResumeTabSpec struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	SubType string           `json:"subType,omitempty"`
	Panes   []ResumePaneSpec `json:"panes"`
}

type ResumePaneSpec struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Type      string `json:"type"`
	SubType   string `json:"subType,omitempty"`
}

type WorkspaceResumedPayload struct {
	WorkspaceID string            `json:"workspaceId"`
	ResumedTabs []ResumedTabEntry `json:"resumedTabs"`
	CreatedTabs []ResumedTabEntry `json:"createdTabs"`
}

type ResumedTabEntry struct {
	TabID string             `json:"tabId"`
	Panes []ResumedPaneEntry `json:"panes"`
}

type ResumedPaneEntry struct {
	PaneID    string `json:"paneId"`
	SessionID string `json:"sessionId"`
}

// Event names, normative per the wire contract.
const (
	EventWorkspaceConnect       = "workspace_connect"
	EventWorkspaceConnected     = "workspace_connected"
	EventWorkspaceGet           = "workspace_get"
	EventWorkspaceData          = "workspace_data"
	EventWorkspaceError         = "workspace_error"
	EventTabCreate              = "tab_create"
	EventTabCreated             = "tab_created"
	EventTabDelete              = "tab_delete"
	EventTabDeleted             = "tab_deleted"
	EventPaneCreate             = "pane_create"
	EventPaneCreated            = "pane_created"
	EventPaneDelete             = "pane_delete"
	EventPaneDeleted            = "pane_deleted"
	EventCreateTerminal         = "create_terminal"
	EventTerminalReady          = "terminal_ready"
	EventTerminalInput          = "terminal_input"
	EventTerminalResize         = "terminal_resize"
	EventTerminalOutput         = "terminal_output"
	EventTerminalClosed         = "terminal_closed"
	EventTerminalError          = "terminal_error"
	EventCloseTerminal          = "close_terminal"
	EventReconnectSession       = "reconnect_session"
	EventSessionReconnected     = "session_reconnected"
	EventSessionReconnectError  = "session_reconnect_error"
	EventResumeWorkspace        = "resume_workspace"
	EventWorkspaceResumed       = "workspace_resumed"
)

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// payloads are always concrete structs defined in this package;
		// a marshal failure here indicates a programming error.
		panic(err)
	}
	return b
}

func errorEnvelope(event string, kind errs.Kind) Envelope {
	return Envelope{Event: event, Payload: mustMarshal(ErrorPayload{Error: string(kind)})}
}
