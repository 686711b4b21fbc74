// Package console implements the admin console: a read-only tcell TUI
// that connects to the broker as a Supervisor-role client over the
// same WebSocket wire protocol every other client uses, lists the
// current workspace's tabs and sessions, and streams the selected
// session's output.
package console

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/shellmux/shellmux/internal/consoleclient"
	"github.com/shellmux/shellmux/internal/transport"
)

// Console manages the terminal interface using tcell, direct-copying
// plain text into the screen buffer rather than driving a full VT100
// state machine: this view is read-only and favors robustness over
// exact color fidelity.
type Console struct {
	screen tcell.Screen
	client *consoleclient.Client

	mu       sync.Mutex
	tabs     []transport.TabView
	selected int
	lines    map[string][]string // sessionID -> recent output lines, ANSI-stripped

	width, height int

	quit   chan struct{}
	quitWg sync.WaitGroup
}

const maxLinesPerSession = 500

// New creates a Console driven by an already-dialed client.
func New(client *consoleclient.Client) (*Console, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("init screen: %w", err)
	}
	screen.EnableMouse()
	screen.Clear()

	w, h := screen.Size()

	return &Console{
		screen: screen,
		client: client,
		lines:  make(map[string][]string),
		width:  w,
		height: h,
		quit:   make(chan struct{}),
	}, nil
}

// Run starts the console: it requests the workspace snapshot, then
// runs the render loop and the tcell event loop until the user quits.
func (c *Console) Run() error {
	defer c.screen.Fini()

	if err := c.client.Send(transport.Envelope{
		Event:   transport.EventWorkspaceConnect,
		Payload: mustMarshal(transport.WorkspaceConnectPayload{Role: "Supervisor"}),
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	_ = c.client.Send(transport.Envelope{Event: transport.EventWorkspaceGet})

	go c.consumeEvents()

	c.quitWg.Add(1)
	go c.renderLoop()

	for {
		ev := c.screen.PollEvent()
		if ev == nil {
			return nil
		}

		switch ev := ev.(type) {
		case *tcell.EventResize:
			c.mu.Lock()
			c.width, c.height = ev.Size()
			c.mu.Unlock()
			c.screen.Sync()

		case *tcell.EventKey:
			if c.handleKey(ev) {
				close(c.quit)
				c.quitWg.Wait()
				return nil
			}
		}
	}
}

func (c *Console) handleKey(ev *tcell.EventKey) (quit bool) {
	switch ev.Key() {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyUp:
		c.moveSelection(-1)
	case tcell.KeyDown:
		c.moveSelection(1)
	}
	return false
}

func (c *Console) moveSelection(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sessionCountLocked()
	if n == 0 {
		return
	}
	c.selected = (c.selected + delta + n) % n
}

func (c *Console) sessionCountLocked() int {
	count := 0
	for _, t := range c.tabs {
		count += len(t.Panes)
	}
	return count
}

// consumeEvents applies incoming wire envelopes to local state:
// workspace snapshots refresh the tab/pane list, terminal_output
// appends to the relevant session's line buffer.
func (c *Console) consumeEvents() {
	for env := range c.client.Events {
		switch env.Event {
		case transport.EventWorkspaceData, transport.EventWorkspaceConnected:
			var payload transport.WorkspaceSnapshotPayload
			if json.Unmarshal(env.Payload, &payload) == nil {
				var attach []string
				c.mu.Lock()
				c.tabs = payload.Workspace.Tabs
				for _, t := range c.tabs {
					for _, p := range t.Panes {
						if _, seen := c.lines[p.SessionID]; p.SessionID != "" && !seen {
							c.lines[p.SessionID] = nil
							attach = append(attach, p.SessionID)
						}
					}
				}
				c.mu.Unlock()
				for _, id := range attach {
					_ = c.client.Send(transport.Envelope{Event: transport.EventReconnectSession, Payload: mustMarshal(transport.ReconnectSessionPayload{Session: id})})
				}
			}
		case transport.EventTabCreated, transport.EventTabDeleted, transport.EventPaneCreated, transport.EventPaneDeleted:
			_ = c.client.Send(transport.Envelope{Event: transport.EventWorkspaceGet})
		case transport.EventTerminalOutput:
			var payload transport.TerminalOutputPayload
			if json.Unmarshal(env.Payload, &payload) == nil {
				c.appendOutput(payload.Session, payload.Data)
			}
		case transport.EventTerminalClosed:
			var payload transport.TerminalClosedPayload
			if json.Unmarshal(env.Payload, &payload) == nil {
				c.appendOutput(payload.Session, "\n[session closed: "+payload.Reason+"]\n")
			}
		}
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[=>]`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func (c *Console) appendOutput(sessionID, data string) {
	plain := stripANSI(data)
	newLines := strings.Split(plain, "\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.lines[sessionID]
	if len(lines) > 0 && len(newLines) > 0 {
		lines[len(lines)-1] += newLines[0]
		newLines = newLines[1:]
	}
	lines = append(lines, newLines...)
	if len(lines) > maxLinesPerSession {
		lines = lines[len(lines)-maxLinesPerSession:]
	}
	c.lines[sessionID] = lines
}

func (c *Console) renderLoop() {
	defer c.quitWg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.render()
		}
	}
}

func (c *Console) render() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.screen.Clear()

	leftWidth := c.width * 30 / 100
	if leftWidth < 20 {
		leftWidth = 20
	}
	rightWidth := c.width - leftWidth - 1
	contentHeight := c.height - 1

	c.renderSessionList(0, 0, leftWidth, contentHeight)
	c.renderSelectedSession(leftWidth+1, 0, rightWidth, contentHeight)
	c.drawText(0, c.height-1, c.width, helpStyle, "↑/↓ select   esc/ctrl-c quit")

	c.screen.Show()
}

var (
	borderStyle  = tcell.StyleDefault.Foreground(tcell.ColorBlue)
	selectStyle  = tcell.StyleDefault.Reverse(true).Bold(true)
	normalStyle  = tcell.StyleDefault
	titleStyle   = tcell.StyleDefault.Bold(true)
	helpStyle    = tcell.StyleDefault.Dim(true)
)

func (c *Console) renderSessionList(x, y, width, height int) {
	c.drawBox(x, y, width, height, borderStyle)
	c.drawText(x+2, y, width-4, titleStyle, " sessions ")

	row := y + 1
	idx := 0
	for _, tab := range c.tabs {
		if row >= y+height-1 {
			break
		}
		label := tab.Title
		if label == "" {
			label = tab.Type
		}
		c.drawText(x+1, row, width-2, helpStyle, label)
		row++

		for _, pane := range tab.Panes {
			if row >= y+height-1 {
				break
			}
			style := normalStyle
			if idx == c.selected {
				style = selectStyle
			}
			text := "  " + pane.SessionID
			if text == "  " {
				text = "  (unbound)"
			}
			c.drawText(x+1, row, width-2, style, text)
			row++
			idx++
		}
	}
}

func (c *Console) renderSelectedSession(x, y, width, height int) {
	c.drawBox(x, y, width, height, borderStyle)

	sessionID := c.selectedSessionIDLocked()
	title := " terminal "
	if sessionID != "" {
		title = " " + sessionID + " "
	}
	c.drawText(x+2, y, width-4, titleStyle, title)

	lines := c.lines[sessionID]
	innerHeight := height - 2
	start := 0
	if len(lines) > innerHeight {
		start = len(lines) - innerHeight
	}

	row := y + 1
	for _, line := range lines[start:] {
		c.drawText(x+1, row, width-2, normalStyle, line)
		row++
	}
}

func (c *Console) selectedSessionIDLocked() string {
	idx := 0
	for _, tab := range c.tabs {
		for _, pane := range tab.Panes {
			if idx == c.selected {
				return pane.SessionID
			}
			idx++
		}
	}
	return ""
}

func (c *Console) drawBox(x, y, width, height int, style tcell.Style) {
	if width < 2 || height < 2 {
		return
	}
	c.screen.SetContent(x, y, tcell.RuneULCorner, nil, style)
	c.screen.SetContent(x+width-1, y, tcell.RuneURCorner, nil, style)
	c.screen.SetContent(x, y+height-1, tcell.RuneLLCorner, nil, style)
	c.screen.SetContent(x+width-1, y+height-1, tcell.RuneLRCorner, nil, style)
	for i := x + 1; i < x+width-1; i++ {
		c.screen.SetContent(i, y, tcell.RuneHLine, nil, style)
		c.screen.SetContent(i, y+height-1, tcell.RuneHLine, nil, style)
	}
	for i := y + 1; i < y+height-1; i++ {
		c.screen.SetContent(x, i, tcell.RuneVLine, nil, style)
		c.screen.SetContent(x+width-1, i, tcell.RuneVLine, nil, style)
	}
}

func (c *Console) drawText(x, y, maxWidth int, style tcell.Style, text string) {
	col := x
	for _, r := range text {
		if col >= x+maxWidth {
			break
		}
		c.screen.SetContent(col, y, r, nil, style)
		col++
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
