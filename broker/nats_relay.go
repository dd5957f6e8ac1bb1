package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/core"
	"github.com/nats-io/nats.go"
)

// Relay a Publisher which shares broadcasts between feed server instances
type Relay interface {
	Publisher
	// Close stop relaying
	Close() error
}

// natsRelayImpl implements Relay over NATS core subjects
type natsRelayImpl struct {
	common.Component
	client        *core.NatsClient
	hub           Hub
	subjectPrefix string
	lock          sync.Mutex
	subs          []*nats.Subscription
}

// GetNATSRelay define a Relay over NATS
//
// A message published on a channel goes to the subject "<prefix>.<channel>".
// Every message received on those subjects, including our own, is broadcast
// on the local hub.
func GetNATSRelay(
	client *core.NatsClient, hub Hub, subjectPrefix string, channels []string,
) (Relay, error) {
	if client == nil || hub == nil {
		return nil, fmt.Errorf("relay needs a NATS client and a hub")
	}
	if len(subjectPrefix) == 0 {
		return nil, fmt.Errorf("no subject prefix given")
	}
	logTags := log.Fields{
		"module": "broker", "component": "nats-relay", "instance": subjectPrefix,
	}
	relay := &natsRelayImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		hub:           hub,
		subjectPrefix: subjectPrefix,
	}
	for _, channel := range channels {
		channel := channel
		sub, err := client.NATs().Subscribe(relay.subject(channel), func(msg *nats.Msg) {
			if _, err := hub.Broadcast(context.Background(), channel, msg.Data); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to broadcast relayed message on %s", channel)
			}
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe for %s", channel)
			_ = relay.Close()
			return nil, err
		}
		relay.subs = append(relay.subs, sub)
	}
	// Subscriptions must be known to the server before the first publish
	if err := client.NATs().Flush(); err != nil {
		_ = relay.Close()
		return nil, err
	}
	return relay, nil
}

func (r *natsRelayImpl) subject(channel string) string {
	return fmt.Sprintf("%s.%s", r.subjectPrefix, channel)
}

// Publish send a message to every instance serving the channel
func (r *natsRelayImpl) Publish(ctxt context.Context, channel string, msg []byte) error {
	if !r.hub.Serves(channel) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := r.client.NATs().Publish(r.subject(channel), msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to relay message on %s", channel)
		return err
	}
	return nil
}

// Close stop relaying
func (r *natsRelayImpl) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unsubscribe from %s failed", sub.Subject)
		}
	}
	r.subs = nil
	return nil
}
