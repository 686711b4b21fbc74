package qr

import (
	"strings"
	"testing"
)

func TestGenerateLinesFitsRequestedBounds(t *testing.T) {
	lines := GenerateLines("https://example.com/join/abc123", 120, 60)
	if len(lines) == 0 {
		t.Fatal("expected at least one line")
	}
	if len(lines) > 60 {
		t.Errorf("got %d lines, want <= 60", len(lines))
	}
	for _, line := range lines {
		if n := len([]rune(line)); n > 120 {
			t.Errorf("line width %d exceeds max 120", n)
		}
	}
}

func TestGenerateLinesTooSmallReturnsFallback(t *testing.T) {
	lines := GenerateLines("https://example.com/join/abc123", 2, 2)
	if len(lines) != len(tooLarge) {
		t.Fatalf("expected the fallback message, got %d lines", len(lines))
	}
	if lines[0] != tooLarge[0] {
		t.Errorf("got %q, want fallback message", lines[0])
	}
}

func TestGenerateLinesInvertedSwapsBlocks(t *testing.T) {
	normal := GenerateLines("hello", 120, 60)
	inverted := GenerateLinesInverted("hello", 120, 60)

	if len(normal) != len(inverted) {
		t.Fatalf("normal has %d lines, inverted has %d", len(normal), len(inverted))
	}
	if strings.Join(normal, "") == strings.Join(inverted, "") {
		t.Error("expected inverted rendering to differ from normal rendering")
	}
}

func TestDimensionsMatchesGenerateLinesFootprint(t *testing.T) {
	width, height := Dimensions("hello world")
	lines := GenerateLines("hello world", width, height)

	if len(lines) == 0 {
		t.Fatal("expected rendering to fit its own reported dimensions")
	}
	if uint16(len(lines)) != height {
		t.Errorf("GenerateLines produced %d lines, Dimensions reported height %d", len(lines), height)
	}
}

func TestDimensionsZeroForUnencodableData(t *testing.T) {
	// qrcode has a hard data-capacity ceiling; a payload well beyond it
	// must fail to encode rather than silently truncate.
	huge := strings.Repeat("x", 1<<20)
	width, height := Dimensions(huge)
	if width != 0 || height != 0 {
		t.Errorf("got (%d, %d), want (0, 0) for unencodable data", width, height)
	}
}
