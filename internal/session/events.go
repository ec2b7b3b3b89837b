package session

import (
	"encoding/json"
	"time"

	"github.com/archhq/arch/internal/usage"
)

// Stream-json event types the supervisor cares about. Everything else
// passes through to the output callback unchanged.
const (
	EventAssistant = "assistant"
	EventUsage     = "usage"
	EventResult    = "result"
)

// Event is one parsed line of a child's stream-json output. Usage events
// carry their token counts at the top level; result events carry the
// resumable session id.
type Event struct {
	Type      string `json:"type"`
	SubType   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	usage.Event

	Raw       json.RawMessage `json:"-"`
	Timestamp time.Time       `json:"-"`
}

// ParseEvent decodes one output line. Lines that are not JSON objects are
// discarded silently per the stream contract.
func ParseEvent(line []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	ev.Raw = make([]byte, len(line))
	copy(ev.Raw, line)
	ev.Timestamp = time.Now()
	return ev, true
}
