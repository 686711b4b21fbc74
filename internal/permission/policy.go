// Package permission implements the role and ownership checks that
// gate write operations against a terminal session.
package permission

import (
	"sync"

	"github.com/gobwas/glob"
)

// Role is the coarse capability level assigned to a connection.
type Role string

const (
	Anonymous  Role = "Anonymous"
	Viewer     Role = "Viewer"
	User       Role = "User"
	Owner      Role = "Owner"
	Supervisor Role = "Supervisor"
)

// Action is the operation being checked against a session.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionResize Action = "resize"
	ActionClose  Action = "close"
)

// Subject describes the connection attempting an action.
type Subject struct {
	Identity string
	Role     Role
}

// SessionACL carries the per-session ownership fields the policy
// evaluates against.
type SessionACL struct {
	OwnerIdentity         string
	AllowedIdentities      []string
	AllowAnyAuthenticated bool
}

// Policy evaluates read/write/resize/close requests against the rules
// of spec §4.8, in order, first match wins.
type Policy struct {
	// OpenMode, when true, removes the Anonymous write restriction of
	// rule 1 (deployment-wide "no auth" mode).
	OpenMode bool

	mu     sync.RWMutex
	globs  map[string]glob.Glob
}

// New creates a Policy.
func New(openMode bool) *Policy {
	return &Policy{OpenMode: openMode, globs: make(map[string]glob.Glob)}
}

// Check reports whether subject may perform action against a session
// described by acl.
func (p *Policy) Check(subject Subject, acl SessionACL, action Action) bool {
	if action == ActionRead {
		return true
	}

	// Rule 1: Anonymous may only write/resize/close in open mode.
	if subject.Role == Anonymous {
		return p.OpenMode
	}

	// Rule 2: Viewer is never permitted to write/resize/close.
	if subject.Role == Viewer {
		return false
	}

	// Rule 3: owner identity match.
	if subject.Identity != "" && subject.Identity == acl.OwnerIdentity {
		return true
	}

	// Rule 4: elevated roles.
	if subject.Role == Supervisor || subject.Role == Owner {
		return true
	}

	// Rule 5: explicit allow-list, glob-matched.
	if p.identityAllowed(subject.Identity, acl.AllowedIdentities) {
		return true
	}

	// Rule 6: open-to-any-authenticated flag.
	if acl.AllowAnyAuthenticated {
		return true
	}

	// Rule 7: deny.
	return false
}

// identityAllowed reports whether identity matches any pattern in
// patterns, where each pattern may be a glob (e.g. "*@corp.example")
// or a literal identity.
func (p *Policy) identityAllowed(identity string, patterns []string) bool {
	if identity == "" {
		return false
	}
	for _, pattern := range patterns {
		g, err := p.compiled(pattern)
		if err != nil {
			continue
		}
		if g.Match(identity) {
			return true
		}
	}
	return false
}

func (p *Policy) compiled(pattern string) (glob.Glob, error) {
	p.mu.RLock()
	g, ok := p.globs[pattern]
	p.mu.RUnlock()
	if ok {
		return g, nil
	}

	compiled, err := glob.Compile(pattern, '.', '@')
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.globs[pattern] = compiled
	p.mu.Unlock()
	return compiled, nil
}
