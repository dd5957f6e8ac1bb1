// Copyright 2025-2026 The FedIds Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
)

// TokenQueryParam is the query parameter carrying the auth token during the handshake
const TokenQueryParam = "token"

// Callbacks transport event notifications
//
// For one connection, callbacks are invoked sequentially from a single
// goroutine in the order the transport produced them. After OnClose or
// OnError no further callback is made.
type Callbacks struct {
	// OnOpen called once the handshake completed
	OnOpen func()
	// OnMessage called for every frame received
	OnMessage func(frame []byte)
	// OnClose called when the stream ended normally, or was closed locally
	OnClose func()
	// OnError called when the transport failed
	OnError func(err error)
}

// Connection handle on one transport connection
type Connection interface {
	// Close request closure of the connection. Does not wait for the reader to exit.
	Close() error
}

// Dialer establishes transport connections
type Dialer interface {
	// Connect start connecting to the target. Returns immediately; the handshake
	// outcome is reported through the callbacks.
	Connect(ctxt context.Context, target *url.URL, cb Callbacks) (Connection, error)
}

// BuildTargetURL join the server base address with a channel path, and attach the token
func BuildTargetURL(base, path, token string) (*url.URL, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if len(baseURL.Scheme) == 0 || len(baseURL.Host) == 0 {
		return nil, fmt.Errorf("base URL %q needs a scheme and host", base)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid channel path %q: %w", path, err)
	}
	target := *baseURL
	target.Path = strings.TrimSuffix(baseURL.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	target.RawPath = ""
	query := baseURL.Query()
	for k, v := range ref.Query() {
		query[k] = v
	}
	query.Set(TokenQueryParam, token)
	target.RawQuery = query.Encode()
	target.Fragment = ""
	return &target, nil
}

// RedactedTarget string form of a target URL with the token hidden, for logging
func RedactedTarget(target *url.URL) string {
	if target == nil {
		return ""
	}
	redacted := *target
	query := redacted.Query()
	if query.Has(TokenQueryParam) {
		query.Set(TokenQueryParam, "REDACTED")
		redacted.RawQuery = query.Encode()
	}
	return redacted.String()
}

// ==============================================================================

// connectionBase shared bookkeeping of a connection's lifecycle
type connectionBase struct {
	common.Component
	lock     sync.Mutex
	closed   bool
	finished bool
	cancel   context.CancelFunc
	cb       Callbacks
}

// markClosed record that closure was requested locally. Returns false if already closed.
func (c *connectionBase) markClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.cancel()
	return true
}

// isClosed whether closure was requested locally
func (c *connectionBase) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// finish report the terminal event exactly once
func (c *connectionBase) finish(err error) {
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return
	}
	c.finished = true
	localClose := c.closed
	c.lock.Unlock()
	if err == nil || localClose {
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Reader stopped after local close")
		}
		if c.cb.OnClose != nil {
			c.cb.OnClose()
		}
		return
	}
	log.WithError(err).WithFields(c.LogTags).Error("Transport failure")
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

func (c *connectionBase) opened() {
	log.WithFields(c.LogTags).Debug("Handshake complete")
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

func (c *connectionBase) message(frame []byte) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(frame)
	}
}
