package services

import (
	"bytes"
	"strings"
)

const streamTerminator = "[DONE]"

// EventStreamParser incrementally splits an event-stream response into
// discrete `data:` payloads. Frames may be split across reads: the
// incomplete trailing line stays buffered until the next Feed call.
type EventStreamParser struct {
	buf  []byte
	done bool
}

// Feed consumes one chunk of bytes from the wire and returns the data
// payloads completed by it. After the terminator sentinel is seen all
// further input is ignored.
func (p *EventStreamParser) Feed(chunk []byte) [][]byte {
	if p.done {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var payloads [][]byte
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(p.buf[:idx]), "\r")
		p.buf = p.buf[idx+1:]

		if !strings.HasPrefix(line, "data:") {
			// event:, id:, comments and blank separator lines
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == streamTerminator {
			p.done = true
			return payloads
		}
		payloads = append(payloads, []byte(payload))
	}
	return payloads
}

// Flush drains a trailing frame the stream never newline-terminated.
// Call it once the wire has reached EOF, a buffered `data:` line at that
// point is a complete frame that will otherwise never be delivered.
func (p *EventStreamParser) Flush() [][]byte {
	if p.done || len(p.buf) == 0 {
		return nil
	}
	p.buf = append(p.buf, '\n')
	return p.Feed(nil)
}

// Done reports whether the terminator sentinel has been received.
func (p *EventStreamParser) Done() bool {
	return p.done
}
