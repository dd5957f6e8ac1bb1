package subscription

import (
	"encoding/json"
	"time"
)

// Event one decoded message received on a subscription
type Event struct {
	// Raw the frame as received
	Raw json.RawMessage `json:"raw"`
	// Payload the decoded frame. JSON objects decode to map[string]interface{}.
	Payload interface{} `json:"payload"`
	// ReceivedAt when the frame arrived
	ReceivedAt time.Time `json:"received_at"`
}

// Decode decode the raw frame into a typed value
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// decodeFrame decode one transport frame
func decodeFrame(frame []byte, at time.Time) (Event, error) {
	var payload interface{}
	if err := json.Unmarshal(frame, &payload); err != nil {
		return Event{}, err
	}
	raw := make(json.RawMessage, len(frame))
	copy(raw, frame)
	return Event{Raw: raw, Payload: payload, ReceivedAt: at}, nil
}

// Snapshot read-only view of a subscription at one point in time
type Snapshot struct {
	ID       string          `json:"id"`
	Path     string          `json:"path"`
	State    ConnectionState `json:"state"`
	Messages []Event         `json:"messages"`
}
