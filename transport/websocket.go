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
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/gorilla/websocket"
)

// WebSocketDialerParams websocket transport parameters
type WebSocketDialerParams struct {
	// HandshakeTimeout max duration of the opening handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
	// MaxFrameBytes largest accepted frame. Zero means no limit.
	MaxFrameBytes int64
	// CloseGracePeriod how long to wait when sending the close frame
	CloseGracePeriod time.Duration
}

// webSocketDialer implements Dialer over gorilla/websocket
type webSocketDialer struct {
	common.Component
	dialer *websocket.Dialer
	params WebSocketDialerParams
}

// GetWebSocketDialer define a new websocket Dialer
func GetWebSocketDialer(params WebSocketDialerParams) (Dialer, error) {
	if params.MaxFrameBytes < 0 {
		return nil, fmt.Errorf("invalid max frame size %d", params.MaxFrameBytes)
	}
	if params.CloseGracePeriod <= 0 {
		params.CloseGracePeriod = time.Second
	}
	logTags := log.Fields{"module": "transport", "component": "websocket-dialer"}
	return &webSocketDialer{
		Component: common.Component{LogTags: logTags},
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: params.HandshakeTimeout,
		},
		params: params,
	}, nil
}

// Connect start connecting to the target
func (d *webSocketDialer) Connect(
	ctxt context.Context, target *url.URL, cb Callbacks,
) (Connection, error) {
	if target == nil {
		return nil, fmt.Errorf("no target given")
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("websocket transport can't reach %s target", target.Scheme)
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	conn := &webSocketConnection{
		connectionBase: connectionBase{
			Component: common.Component{LogTags: d.CopyLogTags(log.Fields{
				"component": "websocket-connection", "target": RedactedTarget(target),
			})},
			cancel: cancel,
			cb:     cb,
		},
		gracePeriod: d.params.CloseGracePeriod,
	}
	go conn.run(runCtxt, d.dialer, d.params.MaxFrameBytes, target.String())
	return conn, nil
}

// ==============================================================================

// webSocketConnection implements Connection
type webSocketConnection struct {
	connectionBase
	gracePeriod time.Duration
	ws          *websocket.Conn
}

// isExpectedCloseError whether the read error is a normal end of stream
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func (c *webSocketConnection) run(
	ctxt context.Context, dialer *websocket.Dialer, maxFrame int64, target string,
) {
	ws, resp, err := dialer.DialContext(ctxt, target, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake rejected with HTTP %d: %w", resp.StatusCode, err)
		}
		c.finish(err)
		return
	}
	if maxFrame > 0 {
		ws.SetReadLimit(maxFrame)
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		_ = ws.Close()
		c.finish(nil)
		return
	}
	c.ws = ws
	c.lock.Unlock()
	defer func() { _ = ws.Close() }()

	c.opened()
	for {
		msgType, frame, err := ws.ReadMessage()
		if err != nil {
			if isExpectedCloseError(err) {
				log.WithFields(c.LogTags).Debugf("Stream closed: %s", err.Error())
				c.finish(nil)
			} else {
				c.finish(err)
			}
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			c.message(frame)
		}
	}
}

// Close request closure of the connection
func (c *webSocketConnection) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.lock.Lock()
	ws := c.ws
	c.lock.Unlock()
	if ws == nil {
		return nil
	}
	// Let the server know, then force the reader to exit
	err := ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.gracePeriod),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.WithError(err).WithFields(c.LogTags).Debug("Unable to send close frame")
	}
	_ = ws.Close()
	return nil
}
