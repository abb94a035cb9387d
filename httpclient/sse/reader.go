// Package sse reads Server-Sent Events from streamed LLM responses.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DoneMarker terminates OpenAI-compatible streams.
const DoneMarker = "[DONE]"

// maxLine bounds a single event line; generation chunks can be long.
const maxLine = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	// Event is the "event:" field, empty for data-only events.
	Event string
	// Data joins multiple "data:" lines with newlines.
	Data string
	ID   string
}

// IsDone reports the OpenAI-style terminal event.
func (e *Event) IsDone() bool { return strings.TrimSpace(e.Data) == DoneMarker }

// Reader reads server-sent events from a stream.
type Reader interface {
	// Next returns the next event, or io.EOF when the stream ends.
	Next() (*Event, error)
	Close() error
}

type reader struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

// NewReader wraps body.
func NewReader(body io.ReadCloser) Reader {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &reader{scanner: s, body: body}
}

func (r *reader) Next() (*Event, error) {
	var ev Event
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return &ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	// a final event without the trailing blank line still counts
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return &ev, nil
	}
	return nil, io.EOF
}

func (r *reader) Close() error { return r.body.Close() }
