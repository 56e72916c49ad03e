// Package homebase maintains the persistent command/subscription
// sessions to remote experiment controllers: dialing, reconnect
// backoff, heartbeat and staleness watchdogs, request/response
// correlation, chunked message reassembly, and the translation of
// pushed datapoints into status updates.
package homebase

import "encoding/json"

// Outbound command frames.

type evalCommand struct {
	Cmd       string `json:"cmd"`
	Script    string `json:"script"`
	RequestID string `json:"requestId"`
}

type subscribeCommand struct {
	Cmd   string `json:"cmd"`
	Match string `json:"match"`
	Every int    `json:"every"`
}

type unsubscribeCommand struct {
	Cmd   string `json:"cmd"`
	Match string `json:"match"`
}

type touchCommand struct {
	Cmd  string `json:"cmd"`
	Name string `json:"name"`
}

// inboundFrame is the union of every frame shape a homebase sends:
// request responses, datapoint pushes, chunked envelopes, and control
// acks. Dispatch looks at the populated fields.
type inboundFrame struct {
	// Response
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Datapoint push
	Type      string          `json:"type,omitempty"`
	Name      string          `json:"name,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Dtype     json.RawMessage `json:"dtype,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Chunked envelope
	IsChunkedMessage bool   `json:"isChunkedMessage,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	ChunkIndex       int    `json:"chunkIndex,omitempty"`
	TotalChunks      int    `json:"totalChunks,omitempty"`
	IsLastChunk      bool   `json:"isLastChunk,omitempty"`

	// Control ack
	Action string `json:"action,omitempty"`
}

// rawValue renders a JSON payload field in its cache string form:
// strings unquoted, numbers and booleans as their literals, objects
// and arrays as raw JSON text.
func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
