// Package session implements the Terminal Session: the binding of one
// PTY Handle, one Session Buffer, a screen emulator, the set of
// attached subscribers, ownership metadata, and the session state
// machine.
package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/shellmux/shellmux/internal/errs"
	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/ptyproc"
	"github.com/shellmux/shellmux/internal/ringbuf"
	"github.com/shellmux/shellmux/internal/screen"
	"github.com/shellmux/shellmux/internal/telemetry"
)

// State is a Terminal Session lifecycle state.
type State string

const (
	Spawning       State = "Spawning"
	Running        State = "Running"
	ClosedGraceful State = "ClosedGraceful"
	ClosedError    State = "ClosedError"
)

// Subscriber is a single client's attachment to a session's output
// fan-out. Output is delivered on Ch; a full channel means the
// subscriber is slow and will be dropped by the broadcaster.
type Subscriber struct {
	ID   string
	Ch   chan []byte
	done chan struct{}
}

// Done returns a channel closed when this subscriber has been
// detached, either explicitly or due to overflow.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Spec describes a session to spawn.
type Spec struct {
	Command []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16

	OwnerIdentity         string
	AllowedIdentities      []string
	AllowAnyAuthenticated bool
}

// Config bounds a session's resource usage; shared across sessions via
// the Registry.
type Config struct {
	BufferByteCap     int
	BufferLineCap     int
	OutboundQueueSize int
	WriteTimeout      time.Duration
	CloseGrace        time.Duration

	// Tel receives per-session I/O and lifecycle metrics. Nil disables
	// instrumentation.
	Tel *telemetry.Telemetry
}

// CloseListener is invoked exactly once when a session transitions to
// a terminal state, carrying the reason reported to subscribers.
type CloseListener func(reason string)

// Session is a single Terminal Session (C3).
type Session struct {
	ID string

	ownerIdentity         string
	allowedIdentities      []string
	allowAnyAuthenticated bool

	pty    *ptyproc.Handle
	buffer *ringbuf.Buffer
	screen *screen.Emulator
	policy *permission.Policy
	log    *slog.Logger
	tel    *telemetry.Telemetry

	mu          sync.RWMutex
	state       State
	cols, rows  uint16
	subscribers map[*Subscriber]struct{}
	createdAt   time.Time
	lastActive  time.Time
	closeReason string

	writeTimeout time.Duration
	onClose      CloseListener

	closeOnce sync.Once
}

// Start spawns a new Terminal Session bound to id.
func Start(id string, spec Spec, cfg Config, policy *permission.Policy, log *slog.Logger, onClose CloseListener) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	shell := ""
	var args []string
	if len(spec.Command) > 0 {
		shell = spec.Command[0]
		args = spec.Command[1:]
	}

	s := &Session{
		ID:                    id,
		ownerIdentity:         spec.OwnerIdentity,
		allowedIdentities:     spec.AllowedIdentities,
		allowAnyAuthenticated: spec.AllowAnyAuthenticated,
		buffer:                ringbuf.New(cfg.BufferByteCap, cfg.BufferLineCap),
		screen:                screen.New(int(spec.Cols), int(spec.Rows)),
		policy:                policy,
		log:                   log.With("session", id),
		tel:                   cfg.Tel,
		state:                 Spawning,
		cols:                  spec.Cols,
		rows:                  spec.Rows,
		subscribers:           make(map[*Subscriber]struct{}),
		createdAt:             time.Now(),
		lastActive:            time.Now(),
		writeTimeout:          cfg.WriteTimeout,
		onClose:               onClose,
	}

	handle, err := ptyproc.Start(ptyproc.Spec{
		Shell: shell,
		Args:  args,
		Dir:   spec.Dir,
		Env:   spec.Env,
		Rows:  spec.Rows,
		Cols:  spec.Cols,
	}, cfg.CloseGrace)
	if err != nil {
		s.transition(ClosedError)
		return nil, err
	}
	s.pty = handle

	s.transition(Running)
	go s.readLoop(cfg.OutboundQueueSize)

	return s, nil
}

func (s *Session) transition(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dimensions returns the session's current cols x rows.
func (s *Session) Dimensions() (cols, rows uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

// OwnerIdentity returns the identity that created the session.
func (s *Session) OwnerIdentity() string {
	return s.ownerIdentity
}

// LastActivity returns the time of the most recent read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) acl() permission.SessionACL {
	return permission.SessionACL{
		OwnerIdentity:         s.ownerIdentity,
		AllowedIdentities:     s.allowedIdentities,
		AllowAnyAuthenticated: s.allowAnyAuthenticated,
	}
}

// readLoop streams PTY output: append to buffer and screen emulator,
// then fan out to subscribers, until EOF or read error.
func (s *Session) readLoop(outboundQueueSize int) {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if s.tel != nil {
				s.tel.BytesRead.Add(float64(n))
			}
			s.appendAndBroadcast(chunk)
		}
		if err != nil {
			// A PTY master read returns EIO (Linux) once the slave side
			// has no more open references, which is the normal signal
			// that the child process exited; treat it like EOF.
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) {
				s.finish(ClosedGraceful, "")
			} else {
				s.finish(ClosedError, err.Error())
			}
			return
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// appendAndBroadcast appends chunk to the buffer and screen emulator
// and snapshots the current subscriber set under the same lock Attach
// uses for its own buffer-snapshot-plus-subscribe. That shared lock is
// what makes the stream gap-free and non-duplicated (property 1/8): an
// Attach either completes entirely before this call takes the lock (its
// snapshot excludes chunk, but it is already in the subscriber set
// captured below, so it receives chunk live) or entirely after (its
// snapshot includes chunk, and it is not in the subscriber set captured
// below, so it does not also receive it live). The two can never
// interleave, unlike taking the buffer append and the subscriber
// snapshot under separate lock acquisitions. The actual channel sends
// happen after unlocking since they are non-blocking (select with
// default) and must not hold up Attach/Detach while a slow subscriber
// is dropped.
func (s *Session) appendAndBroadcast(chunk []byte) {
	s.mu.Lock()
	s.buffer.Append(chunk)
	s.screen.Write(chunk)
	s.lastActive = time.Now()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Ch <- chunk:
		case <-sub.done:
		default:
			s.log.Warn("subscriber outbound queue overflow, dropping", "subscriber", sub.ID)
			s.Detach(sub)
		}
	}
}

// Attach adds client as a subscriber and returns a snapshot of the
// currently buffered output together with the Subscriber that will
// receive all output from this point forward. The snapshot plus the
// subsequent channel deliveries form a gap-free, non-duplicated
// stream (property 1/8): both are taken under the same lock as
// insertion into the subscriber set, so no broadcast can be missed
// between the snapshot and subscription.
func (s *Session) Attach(clientID string, outboundQueueSize int) (*Subscriber, []byte) {
	sub := &Subscriber{
		ID:   clientID,
		Ch:   make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	snapshot := s.buffer.Snapshot()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return sub, snapshot
}

// Detach removes sub from the subscriber set and signals it closed.
// Idempotent.
func (s *Session) Detach(sub *Subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()

	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
}

// BufferSnapshot returns the currently buffered output without
// attaching a subscriber, for a replay-only reconnect to a closed
// session.
func (s *Session) BufferSnapshot() []byte {
	return s.buffer.Snapshot()
}

// BufferLines returns the current buffered line count.
func (s *Session) BufferLines() int {
	return s.buffer.Lines()
}

// ScreenANSI returns a fresh re-render of the current screen state,
// used when a client needs reconstructed contents instead of raw
// scrollback (e.g. after head eviction).
func (s *Session) ScreenANSI() string {
	return s.screen.RenderANSI()
}

// WriteInput writes bytes to the PTY on behalf of subject, gated by
// the Permission Policy. Returns PermissionDenied, WriteTimeout, or
// NotOpen as appropriate.
func (s *Session) WriteInput(data []byte, subject permission.Subject) error {
	if !s.policy.Check(subject, s.acl(), permission.ActionWrite) {
		return errs.New(errs.PermissionDenied, "write denied")
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != Running {
		return errs.New(errs.NotOpen, "session is not running")
	}

	result := make(chan error, 1)
	go func() {
		start := time.Now()
		n, err := s.pty.Write(data)
		if s.tel != nil {
			s.tel.WriteLatency.Observe(time.Since(start).Seconds())
			if err == nil {
				s.tel.BytesWritten.Add(float64(n))
			}
		}
		result <- err
	}()

	timeout := s.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case err := <-result:
		if err != nil {
			return errs.Wrap(errs.InternalError, "pty write failed", err)
		}
		s.touch()
		return nil
	case <-time.After(timeout):
		return errs.New(errs.WriteTimeout, "pty write timed out")
	}
}

// Resize changes the PTY dimensions, gated by the Permission Policy.
// Clamps to the 1..1000 range required by spec and is a no-op on a
// closed session.
func (s *Session) Resize(cols, rows uint16, subject permission.Subject) error {
	if !s.policy.Check(subject, s.acl(), permission.ActionResize) {
		return errs.New(errs.PermissionDenied, "resize denied")
	}

	cols = clampDimension(cols)
	rows = clampDimension(rows)

	s.mu.Lock()
	if s.state != Running || (s.cols == cols && s.rows == rows) {
		s.mu.Unlock()
		return nil
	}
	s.cols = cols
	s.rows = rows
	s.mu.Unlock()

	s.screen.Resize(int(cols), int(rows))
	if err := s.pty.Resize(rows, cols); err != nil {
		if errs.KindOf(err) == errs.NotOpen {
			return nil
		}
		return err
	}
	return nil
}

func clampDimension(v uint16) uint16 {
	if v < 1 {
		return 1
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// Close transitions the session to ClosedGraceful (or reports the
// permission error if subject is not allowed to close), tears down
// the PTY, and notifies subscribers.
func (s *Session) Close(subject permission.Subject, reason string) error {
	if !s.policy.Check(subject, s.acl(), permission.ActionClose) {
		return errs.New(errs.PermissionDenied, "close denied")
	}
	_ = s.pty.Close()
	s.finish(ClosedGraceful, reason)
	return nil
}

// finish performs the one-time terminal-state transition and final
// subscriber notification. Safe to call from the reader loop or from
// an explicit Close; only the first call takes effect.
func (s *Session) finish(state State, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		s.closeReason = reason
		subs := make([]*Subscriber, 0, len(s.subscribers))
		for sub := range s.subscribers {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		if s.tel != nil {
			s.tel.SessionsClosed.WithLabelValues(string(state)).Inc()
			s.tel.ActiveSessions.Dec()
		}

		for _, sub := range subs {
			select {
			case sub.Ch <- nil:
			default:
			}
		}

		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}

// CloseReason returns the reason recorded when the session reached a
// terminal state, if any.
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// SubscriberCount reports the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
