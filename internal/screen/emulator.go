// Package screen reconstructs current screen contents from a stream
// of PTY bytes, for use when a reattaching client has missed history
// that was evicted from the Session Buffer. It is a derived view, not
// a replacement for the buffer: the buffer remains the source of
// truth for replay.
package screen

import (
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Emulator feeds PTY bytes into a virtual terminal and can render the
// current screen back out as ANSI.
type Emulator struct {
	mu   sync.Mutex
	term vt.Terminal
	rows int
	cols int
}

// New creates an Emulator sized to cols x rows.
func New(cols, rows int) *Emulator {
	return &Emulator{
		term: vt.NewSafeEmulator(cols, rows),
		rows: rows,
		cols: cols,
	}
}

// Write feeds a chunk of PTY output into the emulator. Errors from the
// underlying emulator are not possible; it never rejects input.
func (e *Emulator) Write(data []byte) {
	e.term.Write(data)
}

// Resize updates the emulator's dimensions, matching a session
// resize.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = rows
	e.cols = cols
	e.term.Resize(cols, rows)
}

// Size returns the emulator's current dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// RenderANSI returns the current screen re-rendered as an ANSI escape
// sequence, suitable for sending to a client that needs a fresh view
// of the screen rather than replaying raw scrollback.
func (e *Emulator) RenderANSI() string {
	return e.term.Render()
}

// CursorPosition returns the current cursor row and column.
func (e *Emulator) CursorPosition() (row, col int) {
	pos := e.term.CursorPosition()
	return pos.Y, pos.X
}
