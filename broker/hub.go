package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/google/uuid"
)

// ErrUnknownChannel returned when using a channel the hub does not serve
var ErrUnknownChannel = errors.New("unknown channel")

// Sink receives the messages broadcast on a channel
type Sink interface {
	// Deliver hand over one message. Must not block on the network.
	Deliver(ctxt context.Context, msg []byte) error
}

// SinkFunc adapts a function into a Sink
type SinkFunc func(ctxt context.Context, msg []byte) error

// Deliver hand over one message
func (f SinkFunc) Deliver(ctxt context.Context, msg []byte) error {
	return f(ctxt, msg)
}

// Publisher sends one message to every subscriber of a channel
type Publisher interface {
	// Publish send a message on a channel
	Publish(ctxt context.Context, channel string, msg []byte) error
}

// Hub fan-out of messages to the sinks registered on named channels
type Hub interface {
	Publisher
	// Register add a sink to a channel. Returns the sink ID.
	Register(channel string, sink Sink) (string, error)
	// Unregister remove a sink from a channel
	Unregister(channel string, sinkID string) error
	// Broadcast deliver a message to every sink of a channel. Returns the number
	// of sinks which accepted the message.
	Broadcast(ctxt context.Context, channel string, msg []byte) (int, error)
	// Subscribers number of sinks registered on a channel
	Subscribers(channel string) int
	// Serves whether the hub serves a channel
	Serves(channel string) bool
}

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	lock     sync.RWMutex
	channels map[string]map[string]Sink
}

// GetHub define a new Hub serving the given channels
func GetHub(instance string, channels []string) (Hub, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("hub needs at least one channel")
	}
	known := map[string]map[string]Sink{}
	for _, channel := range channels {
		if len(channel) == 0 {
			return nil, fmt.Errorf("empty channel name")
		}
		known[channel] = map[string]Sink{}
	}
	logTags := log.Fields{"module": "broker", "component": "hub", "instance": instance}
	return &hubImpl{Component: common.Component{LogTags: logTags}, channels: known}, nil
}

// Register add a sink to a channel
func (h *hubImpl) Register(channel string, sink Sink) (string, error) {
	if sink == nil {
		return "", fmt.Errorf("no sink given")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	sinks, ok := h.channels[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	id := uuid.New().String()
	sinks[id] = sink
	log.WithFields(h.LogTags).Debugf("Registered sink %s on %s (%d total)", id, channel, len(sinks))
	return id, nil
}

// Unregister remove a sink from a channel
func (h *hubImpl) Unregister(channel string, sinkID string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	sinks, ok := h.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	delete(sinks, sinkID)
	log.WithFields(h.LogTags).Debugf("Removed sink %s from %s", sinkID, channel)
	return nil
}

// Subscribers number of sinks registered on a channel
func (h *hubImpl) Subscribers(channel string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.channels[channel])
}

// Serves whether the hub serves a channel
func (h *hubImpl) Serves(channel string) bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	_, ok := h.channels[channel]
	return ok
}

// Broadcast deliver a message to every sink of a channel
func (h *hubImpl) Broadcast(ctxt context.Context, channel string, msg []byte) (int, error) {
	h.lock.RLock()
	sinks, ok := h.channels[channel]
	targets := make(map[string]Sink, len(sinks))
	for id, sink := range sinks {
		targets[id] = sink
	}
	h.lock.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	delivered := 0
	for id, sink := range targets {
		if err := sink.Deliver(ctxt, msg); err != nil {
			log.WithError(err).WithFields(h.LogTags).Warnf("Sink %s on %s rejected message", id, channel)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Publish send a message to every local sink of a channel
func (h *hubImpl) Publish(ctxt context.Context, channel string, msg []byte) error {
	_, err := h.Broadcast(ctxt, channel, msg)
	return err
}
