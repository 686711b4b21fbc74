// Package registry implements the Session Registry (C4): the
// process-wide map from session id to Terminal Session, with
// creation, lookup, permission-checked close, and retention-window
// eviction of closed sessions.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellmux/shellmux/internal/errs"
	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/session"
)

// DefaultRetention is how long a closed session's buffer is retained
// before eviction, absent an explicit override.
const DefaultRetention = 24 * time.Hour

// DefaultEvictionInterval is how often the eviction loop sweeps for
// expired closed sessions.
const DefaultEvictionInterval = 5 * time.Minute

// AttachResult reports how a reconnect/reattach request was
// satisfied.
type AttachResult int

const (
	// Attached means the session is Running and the client now
	// receives live output following a buffer replay.
	Attached AttachResult = iota
	// ReplayedClosed means the session has reached a terminal state
	// but its buffer is still retained; the client receives a replay
	// only, no further output will follow.
	ReplayedClosed
)

// Registry owns all Terminal Sessions for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	policy    *permission.Policy
	cfg       session.Config
	log       *slog.Logger
	retention time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	sess      *session.Session
	closedAt  time.Time
	isClosed  bool
}

// New creates a Registry and starts its eviction loop.
func New(policy *permission.Policy, cfg session.Config, retention time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		sessions:  make(map[string]*entry),
		policy:    policy,
		cfg:       cfg,
		log:       log,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
	go r.evictionLoop()
	return r
}

// Create mints a fresh session id, starts a Terminal Session, and
// stores it under that id.
func (r *Registry) Create(spec session.Spec) (*session.Session, error) {
	id := "s-" + uuid.NewString()

	s, err := session.Start(id, spec, r.cfg, r.policy, r.log, func(reason string) {
		r.markClosed(id)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = &entry{sess: s}
	r.mu.Unlock()

	return s, nil
}

func (r *Registry) markClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.isClosed = true
		e.closedAt = time.Now()
	}
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "no session with that id")
	}
	return e.sess, nil
}

// AttachOrReplay attaches clientID to a Running session, or returns a
// buffer snapshot for a retained closed session, or NotFound.
func (r *Registry) AttachOrReplay(id, clientID string, outboundQueueSize int) (AttachResult, *session.Subscriber, []byte, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, nil, nil, err
	}

	if s.State() == session.Running {
		sub, snapshot := s.Attach(clientID, outboundQueueSize)
		return Attached, sub, snapshot, nil
	}

	return ReplayedClosed, nil, s.BufferSnapshot(), nil
}

// Close permission-checks and invokes session close.
func (r *Registry) Close(id string, subject permission.Subject, reason string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Close(subject, reason)
}

// ListByIdentity returns the ids of sessions owned by identity.
func (r *Registry) ListByIdentity(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.sessions {
		if e.sess.OwnerIdentity() == identity {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of sessions currently tracked, including
// retained closed ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) evictionLoop() {
	ticker := time.NewTicker(DefaultEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictExpired()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) evictExpired() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.sessions {
		if !e.isClosed {
			continue
		}
		if now.Sub(e.closedAt) > r.retention {
			delete(r.sessions, id)
			r.log.Info("evicted retained session past retention window", "session", id)
		}
	}
}

// Stop halts the eviction loop. Intended for process shutdown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}
