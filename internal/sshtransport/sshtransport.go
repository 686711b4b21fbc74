// Package sshtransport exposes Terminal Sessions over SSH, as a
// passthrough alternative to the WebSocket transport for clients that
// just want a raw terminal (e.g. over a tailnet, with no browser
// involved). It reuses the same Registry and Permission Policy the
// WebSocket transport uses, so a session opened from a browser can be
// attached to from an SSH client and vice versa.
package sshtransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/gliderlabs/ssh"

	"github.com/shellmux/shellmux/internal/permission"
	"github.com/shellmux/shellmux/internal/registry"
	"github.com/shellmux/shellmux/internal/session"
)

// Server is an SSH server that attaches incoming sessions directly to
// a Terminal Session by id.
type Server struct {
	listener net.Listener
	registry *registry.Registry
	policy   *permission.Policy
	log      *slog.Logger
}

// New creates an SSH Server bound to listener.
func New(listener net.Listener, reg *registry.Registry, policy *permission.Policy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{listener: listener, registry: reg, policy: policy, log: log}
}

// Serve runs the SSH server until ctx is cancelled or the listener
// errors.
func (s *Server) Serve(ctx context.Context) error {
	server := &ssh.Server{
		Handler: s.handleSession,
		PtyCallback: func(ctx ssh.Context, pty ssh.Pty) bool {
			return true
		},
	}

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	s.log.Info("ssh passthrough server starting", "addr", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.log.Error("ssh accept error", "error", err)
				continue
			}
		}
		go server.HandleConn(conn)
	}
}

// Close shuts down the SSH server's listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// handleSession attaches an incoming SSH session to a Terminal Session
// named by the SSH username, in the form "session-<id>". A bare
// username lists the caller's own running sessions instead.
func (s *Server) handleSession(sess ssh.Session) {
	user := sess.User()
	s.log.Info("ssh session started", "user", user)
	defer s.log.Info("ssh session ended", "user", user)

	const prefix = "session-"
	if !strings.HasPrefix(user, prefix) {
		s.listSessions(sess, user)
		return
	}

	sessionID := strings.TrimPrefix(user, prefix)
	term, err := s.registry.Get(sessionID)
	if err != nil {
		fmt.Fprintf(sess, "session %s not found\n", sessionID)
		_ = sess.Exit(1)
		return
	}

	subject := permission.Subject{Identity: user, Role: permission.Anonymous}

	pty, winCh, isPty := sess.Pty()
	if isPty {
		_ = term.Resize(uint16(pty.Window.Width), uint16(pty.Window.Height), subject)
	}

	sub, snapshot := term.Attach(sessionIDForConn(sess), 256)
	defer term.Detach(sub)

	if len(snapshot) > 0 {
		_, _ = sess.Write(snapshot)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case chunk, ok := <-sub.Ch:
				if !ok || chunk == nil {
					return
				}
				if _, err := sess.Write(chunk); err != nil {
					return
				}
			case <-sub.Done():
				return
			}
		}
	}()

	if isPty {
		go func() {
			for win := range winCh {
				_ = term.Resize(uint16(win.Width), uint16(win.Height), subject)
			}
		}()
	}

	_, _ = io.Copy(writerFunc(func(p []byte) (int, error) {
		if err := term.WriteInput(p, subject); err != nil {
			return 0, err
		}
		return len(p), nil
	}), sess)

	<-done
}

func (s *Server) listSessions(sess ssh.Session, identity string) {
	var ids []string
	for _, id := range s.registry.ListByIdentity(identity) {
		if term, err := s.registry.Get(id); err == nil && term.State() == session.Running {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(sess, "no active sessions")
		_ = sess.Exit(0)
		return
	}
	fmt.Fprintln(sess, "active sessions:")
	for _, id := range ids {
		fmt.Fprintf(sess, "  ssh session-%s@<host>\n", id)
	}
	_ = sess.Exit(0)
}

func sessionIDForConn(sess ssh.Session) string {
	return "ssh-" + sess.User() + "-" + sess.RemoteAddr().String()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
