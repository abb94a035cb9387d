package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/kbukum/minutes/httpclient"
	"github.com/kbukum/minutes/httpclient/sse"
)

var (
	errNoSSEReader  = errors.New("llm: expected SSE stream but got no SSE reader")
	errNoStreamBody = errors.New("llm: expected stream body but got nil")
)

// readStream concatenates a streamed completion. It returns the text and
// the number of chunks read.
func readStream(d Dialect, resp *httpclient.StreamResponse) (string, int, error) {
	defer func() { _ = resp.Close() }()

	var text strings.Builder
	chunks := 0
	add := func(data []byte) (bool, error) {
		content, done, err := d.ParseStreamChunk(data)
		if err != nil {
			return true, err
		}
		text.WriteString(content)
		chunks++
		return done, nil
	}

	switch d.StreamFormat() {
	case StreamSSE:
		if resp.SSE == nil {
			return "", 0, errNoSSEReader
		}
		if err := readSSE(resp.SSE, add); err != nil {
			return text.String(), chunks, err
		}
	case StreamNDJSON:
		if resp.Body == nil {
			return "", 0, errNoStreamBody
		}
		if err := readNDJSON(resp.Body, add); err != nil {
			return text.String(), chunks, err
		}
	}
	return text.String(), chunks, nil
}

func readSSE(reader sse.Reader, add func([]byte) (bool, error)) error {
	for {
		event, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if strings.TrimSpace(event.Data) == "" {
			continue
		}
		done, err := add([]byte(strings.TrimSpace(event.Data)))
		if err != nil || done {
			return err
		}
	}
}

func readNDJSON(body io.Reader, add func([]byte) (bool, error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		done, err := add(line)
		if err != nil || done {
			return err
		}
	}
	return scanner.Err()
}
