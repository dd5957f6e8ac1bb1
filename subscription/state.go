package subscription

import (
	"fmt"
	"time"
)

// ConnectionState health of the transport behind a subscription
type ConnectionState string

const (
	// StateConnecting transport handshake in progress
	StateConnecting ConnectionState = "connecting"
	// StateConnected transport handshake completed
	StateConnected ConnectionState = "connected"
	// StateDisconnected transport closed normally by either end
	StateDisconnected ConnectionState = "disconnected"
	// StateError transport failed
	StateError ConnectionState = "error"
	// StateUnauthorized no credential was available, no connection was made
	StateUnauthorized ConnectionState = "unauthorized"
)

// Terminal whether the state absorbs all later transport events
func (s ConnectionState) Terminal() bool {
	switch s {
	case StateDisconnected, StateError, StateUnauthorized:
		return true
	default:
		return false
	}
}

func (s ConnectionState) String() string {
	return string(s)
}

// ==============================================================================
// Transport events applied by the reducer

// transportOpened the handshake completed
type transportOpened struct{}

// transportFrame one frame was received
type transportFrame struct {
	data []byte
	at   time.Time
}

// transportClosed the transport closed normally
type transportClosed struct{}

// transportFailed the transport failed
type transportFailed struct {
	err error
}

// subscriptionView state and buffer of one subscription. messages is kept oldest first.
type subscriptionView struct {
	state    ConnectionState
	messages []Event
}

// errMalformedFrame frame could not be decoded as JSON
type errMalformedFrame struct {
	cause error
}

func (e errMalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.cause.Error())
}

func (e errMalformedFrame) Unwrap() error {
	return e.cause
}

// reduce apply one transport event to a view
//
// Returns the next view, and whether it differs from the current one. A frame
// which fails to decode yields the current view with an errMalformedFrame.
func reduce(current subscriptionView, evt interface{}) (subscriptionView, bool, error) {
	if current.state.Terminal() {
		return current, false, nil
	}
	switch e := evt.(type) {
	case transportOpened:
		if current.state != StateConnecting {
			return current, false, nil
		}
		return subscriptionView{state: StateConnected, messages: current.messages}, true, nil

	case transportFrame:
		if current.state != StateConnected {
			return current, false, nil
		}
		decoded, err := decodeFrame(e.data, e.at)
		if err != nil {
			return current, false, errMalformedFrame{cause: err}
		}
		next := make([]Event, len(current.messages), len(current.messages)+1)
		copy(next, current.messages)
		next = append(next, decoded)
		return subscriptionView{state: current.state, messages: next}, true, nil

	case transportClosed:
		return subscriptionView{state: StateDisconnected, messages: current.messages}, true, nil

	case transportFailed:
		return subscriptionView{state: StateError, messages: current.messages}, true, nil

	default:
		return current, false, fmt.Errorf("unknown transport event %T", evt)
	}
}
