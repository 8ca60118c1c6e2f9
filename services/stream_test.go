package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeedSplitsDataLines(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("data: {\"a\":1}\ndata: {\"b\":2}\n"))
	assert.Len(t, payloads, 2)
	assert.Equal(t, `{"a":1}`, string(payloads[0]))
	assert.Equal(t, `{"b":2}`, string(payloads[1]))
	assert.False(t, parser.Done())
}

func TestFeedBuffersPartialFrames(t *testing.T) {
	// one JSON frame arrives split across three reads
	parser := &EventStreamParser{}
	assert.Empty(t, parser.Feed([]byte("data: {\"ima")))
	assert.Empty(t, parser.Feed([]byte("ge\":\"a.png\"")))
	payloads := parser.Feed([]byte("}\n"))
	assert.Len(t, payloads, 1)
	assert.Equal(t, `{"image":"a.png"}`, string(payloads[0]))
}

func TestFeedIgnoresNonDataLines(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("event: progress\nid: 42\n: keepalive comment\n\ndata: {\"x\":1}\n"))
	assert.Len(t, payloads, 1)
	assert.Equal(t, `{"x":1}`, string(payloads[0]))
}

func TestFeedHandlesCRLF(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("data: {\"x\":1}\r\ndata: {\"y\":2}\r\n"))
	assert.Len(t, payloads, 2)
	assert.Equal(t, `{"y":2}`, string(payloads[1]))
}

func TestFeedStopsAtTerminator(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("data: {\"x\":1}\ndata: [DONE]\ndata: {\"ignored\":true}\n"))
	assert.Len(t, payloads, 1)
	assert.True(t, parser.Done())

	// everything after the sentinel is dropped
	assert.Empty(t, parser.Feed([]byte("data: {\"more\":1}\n")))
}

func TestFlushDeliversUnterminatedFinalFrame(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("data: {\"x\":1}\ndata: {\"last\":true}"))
	assert.Len(t, payloads, 1)

	// the socket closed without a trailing newline
	flushed := parser.Flush()
	assert.Len(t, flushed, 1)
	assert.Equal(t, `{"last":true}`, string(flushed[0]))
	assert.Empty(t, parser.Flush())
}

func TestFlushNoopAfterTerminator(t *testing.T) {
	parser := &EventStreamParser{}
	parser.Feed([]byte("data: [DONE]\ndata: {\"trailing\":1}"))
	assert.True(t, parser.Done())
	assert.Empty(t, parser.Flush())
}

func TestFeedEmptyDataLineSkipped(t *testing.T) {
	parser := &EventStreamParser{}
	payloads := parser.Feed([]byte("data:\ndata: {\"x\":1}\n"))
	assert.Len(t, payloads, 1)
}
