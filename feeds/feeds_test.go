package feeds

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fedids/realtime/subscription"
	"github.com/stretchr/testify/assert"
)

func rawEvent(t *testing.T, frame string) subscription.Event {
	var payload interface{}
	assert.Nil(t, json.Unmarshal([]byte(frame), &payload))
	return subscription.Event{Raw: json.RawMessage(frame), Payload: payload, ReceivedAt: time.Now()}
}

func TestLatest(t *testing.T) {
	assert := assert.New(t)

	events := []subscription.Event{}
	for i := 0; i < 10; i++ {
		events = append(events, rawEvent(t, fmt.Sprintf(`{"seq":%d}`, i)))
	}

	assert.Len(Latest(events, 5), 5)
	assert.Equal(events[:5], Latest(events, 5))
	assert.Len(Latest(events, 25), 10)
	assert.Empty(Latest(events, 0))
	assert.Empty(Latest(nil, 3))

	// Result is a copy
	window := Latest(events, 2)
	window[0] = subscription.Event{}
	assert.NotEqual(window[0], events[0])
}

func TestDecodeAttacks(t *testing.T) {
	assert := assert.New(t)

	events := []subscription.Event{
		rawEvent(t, `{"id":2,"timestamp":"2024-05-01T10:20:30.123456","source_ip":"10.0.0.5",`+
			`"attack_type":"DoS","confidence":0.97,"latitude":48.85,"longitude":2.35,`+
			`"city":"Paris","country":"France"}`),
		rawEvent(t, `{"server_round":3,"accuracy":0.9}`),
		rawEvent(t, `{"attack_type":"DoS","source_ip":"not-an-ip"}`),
		rawEvent(t, `{"attack_type":"PortScan","source_ip":"192.168.1.9","confidence":0.5,`+
			`"latitude":null,"longitude":null,"city":null,"country":null}`),
	}

	attacks := DecodeAttacks(events)
	assert.Len(attacks, 2)
	assert.Equal("DoS", attacks[0].AttackType)
	assert.Equal("Paris, France", attacks[0].Location())
	assert.Equal("PortScan", attacks[1].AttackType)
	assert.Equal("unknown", attacks[1].Location())

	ts, err := attacks[0].Time()
	assert.Nil(err)
	assert.Equal(2024, ts.Year())
	assert.Equal(123456000, ts.Nanosecond())

	_, err = attacks[1].Time()
	assert.NotNil(err)
}

func TestDecodeFLStatusAndSeries(t *testing.T) {
	assert := assert.New(t)

	// Newest first, as held by a subscription
	events := []subscription.Event{
		rawEvent(t, `{"server_round":3,"accuracy":0.91,"loss":0.2}`),
		rawEvent(t, `{"attack_type":"DoS","source_ip":"10.0.0.5"}`),
		rawEvent(t, `{"server_round":2,"accuracy":0.85}`),
		rawEvent(t, `{"server_round":1,"accuracy":1.5}`),
		rawEvent(t, `{"server_round":1,"accuracy":0.7}`),
	}

	statuses := DecodeFLStatus(events)
	assert.Len(statuses, 3)
	assert.Equal(3, statuses[0].ServerRound)

	series := RoundSeries(statuses)
	assert.Len(series, 3)
	assert.Equal("R1", series[0].Label)
	assert.Equal("R2", series[1].Label)
	assert.Equal("R3", series[2].Label)
	assert.InDelta(0.7, series[0].Accuracy, 1e-9)
	assert.Nil(series[0].Loss)
	assert.NotNil(series[2].Loss)
	assert.InDelta(0.2, *series[2].Loss, 1e-9)

	assert.Empty(RoundSeries(nil))
}

func TestChannelPaths(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("/ws/attacks", AttacksPath)
	assert.Equal("/ws/fl_status", FLStatusPath)
	assert.Equal(AttacksPath, WebSocketPath(AttacksChannel))
	assert.Equal("/stream/fl_status", StreamPath(FLStatusChannel))
}
