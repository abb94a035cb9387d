package sse

import (
	"io"
	"strings"
	"testing"
)

func body(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }

func TestReader_Events(t *testing.T) {
	stream := ": keep-alive\n" +
		"event: content_block_delta\nid: 7\ndata: {\"text\":\"Se abre\"}\n\n" +
		"data:{\"text\":\" la sesión\"}\n\n" +
		"data: line one\ndata: line two\n\n" +
		"data: [DONE]"

	r := NewReader(body(stream))
	defer r.Close()

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Event != "content_block_delta" || ev.ID != "7" || ev.Data != `{"text":"Se abre"}` {
		t.Errorf("unexpected first event %+v", ev)
	}

	ev, _ = r.Next()
	if ev.Data != `{"text":" la sesión"}` {
		t.Errorf("data without space: got %q", ev.Data)
	}

	ev, _ = r.Next()
	if ev.Data != "line one\nline two" {
		t.Errorf("multi-line data: got %q", ev.Data)
	}

	ev, err = r.Next()
	if err != nil || !ev.IsDone() {
		t.Errorf("expected trailing [DONE] event, got %+v err=%v", ev, err)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_EmptyStream(t *testing.T) {
	r := NewReader(body("\n\n: comment only\n"))
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_LongLine(t *testing.T) {
	long := strings.Repeat("a", 200*1024)
	r := NewReader(body("data: " + long + "\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(ev.Data) != len(long) {
		t.Errorf("expected %d bytes, got %d", len(long), len(ev.Data))
	}
}
