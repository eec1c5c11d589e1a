package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"

	"github.com/valyala/bytebufferpool"
)

// timestampLayout matches JavaScript's Date.toISOString output.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Message types shared by SSE events and duplex messages.
const (
	TypeConnected = "connected"
	TypeHeartbeat = "heartbeat"
	TypeEcho      = "echo"
	TypeReply     = "reply"
)

var (
	sseDataPrefix = []byte("data: ")
	sseDataSuffix = []byte("\n\n")
)

// Event is a single SSE payload.
type Event struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Path      string `json:"path"`
	Method    string `json:"method"`
	Timestamp string `json:"timestamp"`
}

// Message is a single duplex payload.
type Message struct {
	Type        string      `json:"type"`
	Message     string      `json:"message,omitempty"`
	Original    interface{} `json:"original,omitempty"`
	Connections *int        `json:"connections,omitempty"`
	Path        string      `json:"path,omitempty"`
	Rule        string      `json:"rule,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// writeEvent frames v as a single SSE data event and flushes it.
// A non-nil error means the client is gone.
func writeEvent(w *bufio.Writer, v interface{}) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}

	if _, err := w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write(sseDataSuffix); err != nil {
		return err
	}
	return w.Flush()
}

// encodeJSON serializes v compactly, without HTML escaping and without a
// trailing newline, the way browsers stringify JSON.
func encodeJSON(v interface{}) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return append([]byte(nil), bytes.TrimSuffix(buf.B, []byte("\n"))...), nil
}

// parseInbound keeps valid JSON as-is and falls back to the raw text.
func parseInbound(data []byte) interface{} {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	return string(data)
}
