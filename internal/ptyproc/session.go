// Package ptyproc owns the pseudo-terminal and its child process for a
// single terminal session: spawning, reading, writing, resizing, and
// graceful-then-forceful shutdown.
package ptyproc

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/shellmux/shellmux/internal/errs"
)

// Spec describes the process to spawn in the PTY.
type Spec struct {
	// Shell is the command to run. Defaults to $SHELL then /bin/sh.
	Shell string

	// Args are additional arguments passed to Shell.
	Args []string

	// Dir is the working directory for the child process.
	Dir string

	// Env overrides/extends the inherited environment (key=value pairs).
	Env []string

	// Rows and Cols are the initial PTY window size.
	Rows uint16
	Cols uint16
}

// Handle owns a PTY master and its child process. It is safe for
// concurrent use: Read is expected to be called by a single owner
// goroutine, Write/Resize/Close may be called concurrently from others.
type Handle struct {
	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	closed  bool
	doneCh  chan struct{}
	usePgrp bool

	closeGrace time.Duration
}

// Start spawns the process described by spec inside a new PTY.
func Start(spec Spec, closeGrace time.Duration) (*Handle, error) {
	shell := spec.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: spec.Rows,
		Cols: spec.Cols,
	})
	if err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, "failed to start pty", err)
	}

	if closeGrace <= 0 {
		closeGrace = 3 * time.Second
	}

	return &Handle{
		ptmx:       ptmx,
		cmd:        cmd,
		doneCh:     make(chan struct{}),
		usePgrp:    usePgrp,
		closeGrace: closeGrace,
	}, nil
}

// Read reads raw output bytes from the PTY master. Intended to be
// called from a single reader loop owned by the Terminal Session.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, io.EOF
	}
	return ptmx.Read(p)
}

// Write sends input bytes to the PTY. Returns NotOpen if the session
// has already been closed.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errs.New(errs.NotOpen, "pty is closed")
	}
	return h.ptmx.Write(p)
}

// Resize updates the PTY window size.
func (h *Handle) Resize(rows, cols uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errs.New(errs.NotOpen, "pty is closed")
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return errs.Wrap(errs.InternalError, "resize failed", err)
	}
	return nil
}

// Done returns a channel closed once the underlying process has exited
// and Close has completed teardown.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// ExitCode returns the child process's exit code, valid only after
// Done() has fired. Returns -1 if unavailable.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Close signals the child process to terminate, first gracefully
// (SIGHUP) and then, if it has not exited within the grace period,
// forcefully (SIGKILL to the process group on Linux). Close is
// idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pid := 0
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	usePgrp := h.usePgrp
	cmd := h.cmd
	ptmx := h.ptmx
	h.mu.Unlock()

	if pid != 0 {
		if usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGHUP)
		} else {
			_ = cmd.Process.Signal(syscall.SIGHUP)
		}

		exited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(h.closeGrace):
			if usePgrp {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			} else {
				_ = cmd.Process.Kill()
			}
			<-exited
		}
	}

	if ptmx != nil {
		_ = ptmx.Close()
	}

	close(h.doneCh)
	return nil
}

// CloseWithContext behaves like Close but aborts the grace-period wait
// early if ctx is cancelled, escalating immediately to SIGKILL.
func (h *Handle) CloseWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- h.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		h.mu.Lock()
		pid := 0
		var proc *os.Process
		if h.cmd != nil && h.cmd.Process != nil {
			pid = h.cmd.Process.Pid
			proc = h.cmd.Process
		}
		usePgrp := h.usePgrp
		h.mu.Unlock()
		if pid != 0 {
			if usePgrp {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			} else {
				_ = proc.Kill()
			}
		}
		return <-done
	}
}
