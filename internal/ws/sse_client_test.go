package ws

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"log/slog"
)

type nopFlusher struct{}

func (nopFlusher) Flush() {}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSSEClientFramesAndClose(t *testing.T) {
	var buf bytes.Buffer
	c := NewSSEClient(&buf, nopFlusher{}, testLogger())

	if err := c.Send([]byte(`{"line":"hi"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	want := "data: {\"line\":\"hi\"}\n\n: ping\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected stream %q", buf.String())
	}

	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
	if err := c.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	c.Close()
}

func TestSSEClientWriteFailureTearsDown(t *testing.T) {
	c := NewSSEClient(failWriter{}, nopFlusher{}, testLogger())
	if err := c.Send([]byte("x")); err == nil {
		t.Fatal("expected send error")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after a failed write")
	}
}
