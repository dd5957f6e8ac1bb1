package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/transport"
	"github.com/go-playground/validator/v10"
)

// ErrChannelClosed returned when subscribing through a closed channel
var ErrChannelClosed = errors.New("channel closed")

// Channel per-consumer handle holding at most one live subscription
type Channel interface {
	// Subscribe subscribe to a path.
	//
	// Subscribing to the path already held returns the current subscription.
	// Subscribing to a different path disposes the current subscription first.
	Subscribe(ctxt context.Context, path string) (Subscription, error)
	// Current the current subscription, or nil
	Current() Subscription
	// Close dispose the current subscription. The channel can't be used afterwards.
	Close() error
}

// ChannelParams parameters of a new channel
type ChannelParams struct {
	// Name of the consumer, for logging
	Name string `validate:"required"`
	// BaseURL server address the paths are appended to
	BaseURL string `validate:"required,url"`
	// Dialer opens the transport connections
	Dialer transport.Dialer `validate:"-"`
	// Credentials holds the auth token
	Credentials storage.CredentialStore `validate:"-"`
	// UpdateBuffer number of pending snapshots held for the consumer
	UpdateBuffer int `validate:"gte=0"`
	// CredentialTimeout max duration of the credential read
	CredentialTimeout time.Duration `validate:"gte=0"`
}

// channelImpl implements Channel
type channelImpl struct {
	common.Component
	params  ChannelParams
	lock    sync.Mutex
	current Subscription
	closed  bool
}

// NewChannel define a new channel
func NewChannel(params ChannelParams) (Channel, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if params.Dialer == nil {
		return nil, fmt.Errorf("no transport dialer given")
	}
	if params.Credentials == nil {
		return nil, fmt.Errorf("no credential store given")
	}
	logTags := log.Fields{
		"module": "subscription", "component": "channel", "instance": params.Name,
	}
	return &channelImpl{Component: common.Component{LogTags: logTags}, params: params}, nil
}

// Subscribe subscribe to a path
func (c *channelImpl) Subscribe(ctxt context.Context, path string) (Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.current != nil {
		if c.current.Path() == path && !c.current.Disposed() {
			return c.current, nil
		}
		log.WithFields(c.LogTags).Debugf(
			"Replacing subscription on %s with %s", c.current.Path(), path,
		)
		if err := c.current.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unclean disposal of old subscription")
		}
		c.current = nil
	}
	sub, err := NewSubscription(ctxt, SubscriptionParams{
		Path:              path,
		BaseURL:           c.params.BaseURL,
		Dialer:            c.params.Dialer,
		Credentials:       c.params.Credentials,
		UpdateBuffer:      c.params.UpdateBuffer,
		CredentialTimeout: c.params.CredentialTimeout,
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", path)
		return nil, err
	}
	c.current = sub
	return sub, nil
}

// Current the current subscription
func (c *channelImpl) Current() Subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// Close dispose the current subscription
func (c *channelImpl) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}
