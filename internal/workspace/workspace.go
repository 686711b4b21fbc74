// Package workspace implements the Workspace Model (C5): the global,
// server-authoritative structure of tabs and panes that clients
// resume into. Every mutation runs under a single mutator discipline
// so that broadcast order always matches apply order (spec W3).
package workspace

import (
	"sync"

	"github.com/google/uuid"
)

// Pane is a single pane within a tab, optionally bound to a terminal
// session.
type Pane struct {
	ID        string
	Type      string
	SubType   string
	SessionID string
}

// Tab is an ordered sequence of panes with a type/subtype and layout
// hint.
type Tab struct {
	ID      string
	Title   string
	Type    string
	SubType string
	Layout  string
	Panes   []*Pane
}

// TabSpec describes a tab to create. CreateTab always mints a fresh
// id; ResumeTab is the only path that registers a tab under a
// caller-supplied id, for restitching a reconnecting client's own
// tab/pane structure.
type TabSpec struct {
	Title   string
	Type    string
	SubType string
	Layout  string
}

// PaneSpec describes a pane to create.
type PaneSpec struct {
	Type    string
	SubType string
}

// CloseSessionFunc is invoked when a pane bound to a session is
// deleted, so the Registry can close the underlying Terminal Session.
type CloseSessionFunc func(sessionID string)

// Snapshot is an immutable, client-safe view of the workspace.
type Snapshot struct {
	Tabs        []Tab
	ActiveTabID string
}

// state is the unsynchronized workspace data. All access runs through
// Workspace's lock; state itself is never shared outside this file.
type state struct {
	tabs        []*Tab
	tabsByID    map[string]*Tab
	panesByID   map[string]*Pane
	activeTabID string
}

func newState() *state {
	return &state{
		tabsByID:  make(map[string]*Tab),
		panesByID: make(map[string]*Pane),
	}
}

// Workspace is the singleton per-process workspace.
type Workspace struct {
	mu           sync.RWMutex
	state        *state
	closeSession CloseSessionFunc
}

// New creates an empty Workspace. closeSession is called whenever a
// pane bound to a session is deleted (directly or via tab deletion);
// it may be nil if the caller wires session teardown elsewhere.
func New(closeSession CloseSessionFunc) *Workspace {
	return &Workspace{state: newState(), closeSession: closeSession}
}

// GetWorkspace returns the current workspace structure.
func (w *Workspace) GetWorkspace() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

func (w *Workspace) snapshotLocked() Snapshot {
	tabs := make([]Tab, 0, len(w.state.tabs))
	for _, t := range w.state.tabs {
		panes := make([]*Pane, len(t.Panes))
		for i, p := range t.Panes {
			cp := *p
			panes[i] = &cp
		}
		tabs = append(tabs, Tab{
			ID:      t.ID,
			Title:   t.Title,
			Type:    t.Type,
			SubType: t.SubType,
			Layout:  t.Layout,
			Panes:   panes,
		})
	}
	return Snapshot{Tabs: tabs, ActiveTabID: w.state.activeTabID}
}

// CreateTab mints a tab id and, for a terminal-type tab, a default
// pane. It returns the created tab.
func (w *Workspace) CreateTab(spec TabSpec) *Tab {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab := &Tab{
		ID:      "t-" + uuid.NewString(),
		Title:   spec.Title,
		Type:    spec.Type,
		SubType: spec.SubType,
		Layout:  spec.Layout,
	}

	if spec.Type == "terminal" {
		pane := &Pane{ID: "p-" + uuid.NewString(), Type: "terminal", SubType: spec.SubType}
		tab.Panes = append(tab.Panes, pane)
		w.state.panesByID[pane.ID] = pane
	}

	w.state.tabs = append(w.state.tabs, tab)
	w.state.tabsByID[tab.ID] = tab
	if w.state.activeTabID == "" {
		w.state.activeTabID = tab.ID
	}

	return tab
}

// ResumeTab restitches a tab a reconnecting client already knows by
// id: if id is already present (this process never lost it, or an
// earlier resume in this same call already registered it) the existing
// tab is returned unchanged, so repeated resumes never mint duplicate
// tabs for the same logical entity (spec W2). If id is not yet known,
// a tab is registered under id itself rather than a freshly minted
// one, so the caller's id remains the tab's id going forward; an empty
// id falls back to minting one, for tabs the client has no prior id
// for.
func (w *Workspace) ResumeTab(id string, spec TabSpec) *Tab {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id != "" {
		if tab, ok := w.state.tabsByID[id]; ok {
			return tab
		}
	} else {
		id = "t-" + uuid.NewString()
	}

	tab := &Tab{
		ID:      id,
		Title:   spec.Title,
		Type:    spec.Type,
		SubType: spec.SubType,
		Layout:  spec.Layout,
	}
	w.state.tabs = append(w.state.tabs, tab)
	w.state.tabsByID[id] = tab
	if w.state.activeTabID == "" {
		w.state.activeTabID = id
	}

	return tab
}

// ResumePane restitches a pane the client already knows by id, the
// same way ResumeTab does for tabs: an existing id is returned as-is,
// a new or empty one is registered under the caller's id (minting one
// only when the caller supplied none).
func (w *Workspace) ResumePane(tabID, id string, spec PaneSpec) (*Pane, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab, ok := w.state.tabsByID[tabID]
	if !ok {
		return nil, false
	}

	if id != "" {
		if pane, ok := w.state.panesByID[id]; ok {
			return pane, true
		}
	} else {
		id = "p-" + uuid.NewString()
	}

	pane := &Pane{ID: id, Type: spec.Type, SubType: spec.SubType}
	tab.Panes = append(tab.Panes, pane)
	w.state.panesByID[id] = pane

	return pane, true
}

// DeleteTab removes a tab and closes any sessions bound to its panes.
func (w *Workspace) DeleteTab(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab, ok := w.state.tabsByID[id]
	if !ok {
		return false
	}

	for _, p := range tab.Panes {
		delete(w.state.panesByID, p.ID)
		if p.SessionID != "" && w.closeSession != nil {
			w.closeSession(p.SessionID)
		}
	}
	delete(w.state.tabsByID, id)

	for i, t := range w.state.tabs {
		if t.ID == id {
			w.state.tabs = append(w.state.tabs[:i], w.state.tabs[i+1:]...)
			break
		}
	}

	if w.state.activeTabID == id {
		w.state.activeTabID = ""
		if len(w.state.tabs) > 0 {
			w.state.activeTabID = w.state.tabs[0].ID
		}
	}

	return true
}

// CreatePane adds a pane to an existing tab.
func (w *Workspace) CreatePane(tabID string, spec PaneSpec) (*Pane, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab, ok := w.state.tabsByID[tabID]
	if !ok {
		return nil, false
	}

	pane := &Pane{ID: "p-" + uuid.NewString(), Type: spec.Type, SubType: spec.SubType}
	tab.Panes = append(tab.Panes, pane)
	w.state.panesByID[pane.ID] = pane

	return pane, true
}

// DeletePane removes a pane, closing its bound session if any.
func (w *Workspace) DeletePane(paneID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	pane, ok := w.state.panesByID[paneID]
	if !ok {
		return false
	}

	if pane.SessionID != "" && w.closeSession != nil {
		w.closeSession(pane.SessionID)
	}
	delete(w.state.panesByID, paneID)

	for _, tab := range w.state.tabs {
		for i, p := range tab.Panes {
			if p.ID == paneID {
				tab.Panes = append(tab.Panes[:i], tab.Panes[i+1:]...)
				return true
			}
		}
	}

	return true
}

// BindPaneToSession binds paneID to sessionID. Idempotent: rebinding
// to the same session id is a no-op success, used when stitching
// replayed panes to retained sessions during resume.
func (w *Workspace) BindPaneToSession(paneID, sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	pane, ok := w.state.panesByID[paneID]
	if !ok {
		return false
	}
	pane.SessionID = sessionID
	return true
}

// Pane looks up a pane by id.
func (w *Workspace) Pane(paneID string) (Pane, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.state.panesByID[paneID]
	if !ok {
		return Pane{}, false
	}
	return *p, true
}

// Tab looks up a tab by id.
func (w *Workspace) Tab(tabID string) (Tab, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.state.tabsByID[tabID]
	if !ok {
		return Tab{}, false
	}
	cp := *t
	return cp, true
}
