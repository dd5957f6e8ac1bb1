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
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"golang.org/x/net/http2"
)

// defaultMaxLineBytes line size limit when none is configured
const defaultMaxLineBytes = 1024 * 1024

// NDJSONDialerParams newline-delimited JSON stream transport parameters
type NDJSONDialerParams struct {
	// HandshakeTimeout max duration until the response headers arrive. Zero means no timeout.
	HandshakeTimeout time.Duration
	// MaxFrameBytes largest accepted line. Zero means 1 MiB.
	MaxFrameBytes int
	// H2C speak HTTP/2 over cleartext with prior knowledge
	H2C bool
	// Client overrides the HTTP client. Optional.
	Client *http.Client
}

// ndjsonDialer implements Dialer over a long lived HTTP response
type ndjsonDialer struct {
	common.Component
	client *http.Client
	params NDJSONDialerParams
}

// GetNDJSONDialer define a new newline-delimited JSON stream Dialer
func GetNDJSONDialer(params NDJSONDialerParams) (Dialer, error) {
	if params.MaxFrameBytes < 0 {
		return nil, fmt.Errorf("invalid max frame size %d", params.MaxFrameBytes)
	}
	if params.MaxFrameBytes == 0 {
		params.MaxFrameBytes = defaultMaxLineBytes
	}
	logTags := log.Fields{"module": "transport", "component": "ndjson-dialer"}
	client := params.Client
	if client == nil {
		if params.H2C {
			client = &http.Client{
				Transport: &http2.Transport{
					AllowHTTP: true,
					DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
						return net.Dial(network, addr)
					},
				},
			}
		} else {
			// The cloned default transport already negotiates HTTP/2 over TLS
			client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		}
	}
	return &ndjsonDialer{
		Component: common.Component{LogTags: logTags},
		client:    client,
		params:    params,
	}, nil
}

// Connect start connecting to the target
func (d *ndjsonDialer) Connect(
	ctxt context.Context, target *url.URL, cb Callbacks,
) (Connection, error) {
	if target == nil {
		return nil, fmt.Errorf("no target given")
	}
	useTarget := *target
	switch useTarget.Scheme {
	case "http", "https":
	case "ws":
		useTarget.Scheme = "http"
	case "wss":
		useTarget.Scheme = "https"
	default:
		return nil, fmt.Errorf("ndjson transport can't reach %s target", target.Scheme)
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	conn := &ndjsonConnection{
		connectionBase: connectionBase{
			Component: common.Component{LogTags: d.CopyLogTags(log.Fields{
				"component": "ndjson-connection", "target": RedactedTarget(&useTarget),
			})},
			cancel: cancel,
			cb:     cb,
		},
	}
	go conn.run(runCtxt, d.client, d.params, useTarget.String())
	return conn, nil
}

// ==============================================================================

// ndjsonConnection implements Connection
type ndjsonConnection struct {
	connectionBase
}

func (c *ndjsonConnection) run(
	ctxt context.Context, client *http.Client, params NDJSONDialerParams, target string,
) {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		c.finish(err)
		return
	}
	req.Header.Set("Accept", "application/x-ndjson")

	var timedOut int32
	if params.HandshakeTimeout > 0 {
		timer := time.AfterFunc(params.HandshakeTimeout, func() {
			atomic.StoreInt32(&timedOut, 1)
			c.cancel()
		})
		defer timer.Stop()
		resp, err := client.Do(req)
		if !timer.Stop() && atomic.LoadInt32(&timedOut) == 1 {
			if err == nil {
				_ = resp.Body.Close()
			}
			c.finish(fmt.Errorf("handshake timed out after %s", params.HandshakeTimeout))
			return
		}
		c.stream(resp, err, params.MaxFrameBytes)
		return
	}
	resp, err := client.Do(req)
	c.stream(resp, err, params.MaxFrameBytes)
}

func (c *ndjsonConnection) stream(resp *http.Response, err error, maxLine int) {
	if err != nil {
		c.finish(err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		c.finish(fmt.Errorf("stream request rejected with HTTP %d", resp.StatusCode))
		return
	}

	c.opened()
	// The scanner limit is the larger of the initial buffer and maxLine
	initial := 64 * 1024
	if maxLine < initial {
		initial = maxLine
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, initial), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		c.message(frame)
	}
	// A nil scanner error means EOF: the server ended the stream
	c.finish(scanner.Err())
}

// Close request closure of the connection
func (c *ndjsonConnection) Close() error {
	c.markClosed()
	return nil
}
