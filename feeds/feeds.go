// Package feeds typed FedIds payloads carried on the realtime channels
package feeds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/subscription"
	"github.com/go-playground/validator/v10"
)

const (
	// AttacksChannel is the channel carrying detected attacks
	AttacksChannel = "attacks"
	// FLStatusChannel is the channel carrying federated learning round results
	FLStatusChannel = "fl_status"

	// AttacksPath is the WebSocket path of the attacks channel
	AttacksPath = "/ws/" + AttacksChannel
	// FLStatusPath is the WebSocket path of the FL status channel
	FLStatusPath = "/ws/" + FLStatusChannel
)

// KnownChannels the channels served by the feed server
var KnownChannels = []string{AttacksChannel, FLStatusChannel}

// WebSocketPath WebSocket push path of a channel
func WebSocketPath(channel string) string {
	return "/ws/" + channel
}

// StreamPath NDJSON push path of a channel
func StreamPath(channel string) string {
	return "/stream/" + channel
}

// timestampLayouts accepted attack timestamp formats. The platform emits
// ISO-8601 without a zone, which is UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// AttackEvent one detected attack
type AttackEvent struct {
	ID         int64    `json:"id"`
	Timestamp  string   `json:"timestamp"`
	SourceIP   string   `json:"source_ip" validate:"required,ip"`
	AttackType string   `json:"attack_type" validate:"required"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	Latitude   *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude  *float64 `json:"longitude" validate:"omitempty,longitude"`
	City       *string  `json:"city"`
	Country    *string  `json:"country"`
}

// Time parse the attack timestamp
func (a AttackEvent) Time() (time.Time, error) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, a.Timestamp); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", a.Timestamp)
}

// Location human readable origin of the attack
func (a AttackEvent) Location() string {
	switch {
	case a.City != nil && a.Country != nil:
		return fmt.Sprintf("%s, %s", *a.City, *a.Country)
	case a.Country != nil:
		return *a.Country
	default:
		return "unknown"
	}
}

// FLStatus global model result of one federated learning round
type FLStatus struct {
	ServerRound int      `json:"server_round" validate:"gte=0"`
	Accuracy    float64  `json:"accuracy" validate:"gte=0,lte=1"`
	Loss        *float64 `json:"loss,omitempty" validate:"omitempty,gte=0"`
}

// RoundPoint one point of the FL progress chart
type RoundPoint struct {
	Label    string   `json:"label"`
	Round    int      `json:"round"`
	Accuracy float64  `json:"accuracy"`
	Loss     *float64 `json:"loss,omitempty"`
}

// Latest first n events of a newest first buffer
func Latest(events []subscription.Event, n int) []subscription.Event {
	if n <= 0 {
		return []subscription.Event{}
	}
	if n > len(events) {
		n = len(events)
	}
	result := make([]subscription.Event, n)
	copy(result, events[:n])
	return result
}

var validate = validator.New()

// decodeValid strictly decode an event, and validate the result.
// Payloads with fields outside the type are refused.
func decodeValid(evt subscription.Event, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(evt.Raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// DecodeAttacks decode attack events, keeping their order. Events which are not
// attacks are skipped.
func DecodeAttacks(events []subscription.Event) []AttackEvent {
	result := make([]AttackEvent, 0, len(events))
	for _, evt := range events {
		var attack AttackEvent
		if err := decodeValid(evt, &attack); err != nil {
			log.WithError(err).WithField("module", "feeds").Debug("Skipping non-attack event")
			continue
		}
		result = append(result, attack)
	}
	return result
}

// DecodeFLStatus decode FL status events, keeping their order. Events which are not
// FL status updates are skipped.
func DecodeFLStatus(events []subscription.Event) []FLStatus {
	result := make([]FLStatus, 0, len(events))
	for _, evt := range events {
		var status FLStatus
		if err := decodeValid(evt, &status); err != nil {
			log.WithError(err).WithField("module", "feeds").Debug("Skipping non-FL status event")
			continue
		}
		result = append(result, status)
	}
	return result
}

// RoundSeries chronological chart series from newest first FL status updates
func RoundSeries(statuses []FLStatus) []RoundPoint {
	result := make([]RoundPoint, len(statuses))
	for idx, status := range statuses {
		result[len(statuses)-1-idx] = RoundPoint{
			Label:    fmt.Sprintf("R%d", status.ServerRound),
			Round:    status.ServerRound,
			Accuracy: status.Accuracy,
			Loss:     status.Loss,
		}
	}
	return result
}
