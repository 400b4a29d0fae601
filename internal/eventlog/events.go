package eventlog

import (
	"encoding/json"
	"time"

	"github.com/dialogwise/chatcore/internal/marker"
)

// Event types appended during a streaming session, in the order a
// well-behaved stream produces them.
const (
	TypeStart   = "start"
	TypeContext = "context"
	TypeToken   = "token"
	TypeEnd     = "end"
	TypeError   = "error"
)

// StartData announces that the upstream stream opened.
type StartData struct {
	Message string `json:"message"`
}

// ContextData carries the retrieval chunks accompanying the answer.
// The chunk list is kept opaque; the client renders it as-is.
type ContextData struct {
	Chunks json.RawMessage `json:"chunks"`
}

// TokenData is one display-ready fragment plus the marker flags that
// overlapped it.
type TokenData struct {
	Text    string         `json:"text"`
	Markers marker.Markers `json:"markers"`
}

// EndData closes the session with the assembled display text.
type EndData struct {
	FinalText     string          `json:"finalText"`
	ContextChunks json.RawMessage `json:"contextChunks,omitempty"`
}

// ErrorData is the fatal error for this session.
type ErrorData struct {
	Message string `json:"message"`
}

// StoredEvent is one row of the append-only per-session log.
type StoredEvent struct {
	ID                 int64           `json:"id"`
	StreamingSessionID string          `json:"streaming_session_id"`
	Type               string          `json:"event_type"`
	Data               json.RawMessage `json:"event_data"`
	CreatedAt          time.Time       `json:"created_at"`
}

// encodePayload serializes an event payload to a JSON object. Payloads
// that marshal to a non-object value (string, number, array, null) are
// wrapped as {"value": ...} so event_data stays uniformly an object.
// A payload that cannot be marshalled at all is replaced with a
// diagnostic object instead of dropping the event.
func encodePayload(payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		diag, _ := json.Marshal(map[string]string{
			"encoding_error": err.Error(),
		})
		return diag
	}
	if len(raw) > 0 && raw[0] == '{' {
		return raw
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{
		"value": raw,
	})
	if err != nil {
		return []byte(`{"encoding_error":"wrap failed"}`)
	}
	return wrapped
}
