package ptyproc

import (
	"bytes"
	"testing"
	"time"

	"github.com/shellmux/shellmux/internal/errs"
)

func TestStartEchoAndClose(t *testing.T) {
	h, err := Start(Spec{
		Shell: "/bin/sh",
		Args:  []string{"-c", "cat"},
		Rows:  24,
		Cols:  80,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	if _, err := h.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	var got bytes.Buffer
	deadline := time.Now().Add(2 * time.Second)
	for got.Len() < len("hello\r\n") && time.Now().Before(deadline) {
		n, err := h.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	if !bytes.Contains(got.Bytes(), []byte("hello")) {
		t.Fatalf("expected echoed output to contain %q, got %q", "hello", got.String())
	}
}

func TestWriteAfterCloseReturnsNotOpen(t *testing.T) {
	h, err := Start(Spec{Shell: "/bin/sh", Args: []string{"-c", "sleep 5"}, Rows: 24, Cols: 80}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = h.Write([]byte("x"))
	if errs.KindOf(err) != errs.NotOpen {
		t.Fatalf("expected NotOpen, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h, err := Start(Spec{Shell: "/bin/sh", Args: []string{"-c", "true"}, Rows: 24, Cols: 80}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseEscalatesToSIGKILLWhenUnresponsive(t *testing.T) {
	h, err := Start(Spec{
		Shell: "/bin/sh",
		Args:  []string{"-c", "trap '' HUP; sleep 30"},
		Rows:  24,
		Cols:  80,
	}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 3*time.Second {
		t.Fatalf("Close took too long waiting on a HUP-ignoring process: %v", elapsed)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done() to be closed after Close()")
	}
}

func TestResizeAfterCloseReturnsNotOpen(t *testing.T) {
	h, err := Start(Spec{Shell: "/bin/sh", Args: []string{"-c", "sleep 1"}, Rows: 24, Cols: 80}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Close()

	if err := h.Resize(30, 100); errs.KindOf(err) != errs.NotOpen {
		t.Fatalf("expected NotOpen, got %v", err)
	}
}
