package screen

import "testing"

func TestNewReportsConfiguredSize(t *testing.T) {
	e := New(80, 24)

	cols, rows := e.Size()
	if cols != 80 {
		t.Errorf("cols = %d, want 80", cols)
	}
	if rows != 24 {
		t.Errorf("rows = %d, want 24", rows)
	}
}

func TestResizeUpdatesSize(t *testing.T) {
	e := New(80, 24)
	e.Resize(100, 40)

	cols, rows := e.Size()
	if cols != 100 || rows != 40 {
		t.Errorf("Size() = (%d, %d), want (100, 40)", cols, rows)
	}
}

func TestWriteThenRenderANSIIsNonEmpty(t *testing.T) {
	e := New(80, 24)
	e.Write([]byte("hello"))

	out := e.RenderANSI()
	if out == "" {
		t.Error("expected non-empty rendered output after writing bytes")
	}
}
