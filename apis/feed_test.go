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

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/auth"
	"github.com/fedids/realtime/broker"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/feeds"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/subscription"
	"github.com/fedids/realtime/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// feedTestRig a feed server running on an httptest server
type feedTestRig struct {
	hub     broker.Hub
	tokens  auth.TokenManager
	handler APIRestFeedHandler
	server  *httptest.Server
}

func newFeedTestRig(
	t *testing.T, ctxt context.Context, ready ReadinessProbe,
) *feedTestRig {
	hub, err := broker.GetHub("unit-test", feeds.KnownChannels)
	assert.Nil(t, err)
	tokens, err := auth.GetTokenManager("fedids", "unit-test-secret")
	assert.Nil(t, err)
	handler, err := GetAPIRestFeedHandler(ctxt, FeedHandlerParams{
		Hub:       hub,
		Publisher: hub,
		Tokens:    tokens,
		HTTPConfig: &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Fedids-Request-ID"},
		},
		SubscriberQueueDepth: 16,
		WriteTimeout:         time.Second * 5,
		Ready:                ready,
	})
	assert.Nil(t, err)
	server := httptest.NewServer(DefineFeedRouter(handler, "/"))
	return &feedTestRig{hub: hub, tokens: tokens, handler: handler, server: server}
}

func (r *feedTestRig) wsBase() string {
	return strings.Replace(r.server.URL, "http://", "ws://", 1)
}

func (r *feedTestRig) post(t *testing.T, path string, body string) (int, map[string]interface{}) {
	resp, err := http.Post(r.server.URL+path, "application/json", bytes.NewBufferString(body))
	assert.Nil(t, err)
	defer func() { _ = resp.Body.Close() }()
	decoded := map[string]interface{}{}
	assert.Nil(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestFeedWebSocketAdmission(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	rig := newFeedTestRig(t, utCtxt, nil)
	defer rig.server.Close()

	token, err := rig.tokens.Issue("alice", "user", time.Hour)
	assert.Nil(err)

	type testCase struct {
		path     string
		token    string
		expected int
	}
	for idx, oneCase := range []testCase{
		{path: "/ws/attacks", token: "", expected: http.StatusForbidden},
		{path: "/ws/attacks", token: "abc123", expected: http.StatusForbidden},
		{path: "/ws/chat", token: token, expected: http.StatusNotFound},
	} {
		target, err := transport.BuildTargetURL(rig.wsBase(), oneCase.path, oneCase.token)
		assert.Nil(err)
		conn, resp, err := websocket.DefaultDialer.Dial(target.String(), nil)
		assert.NotNil(err, "case %d", idx)
		assert.Nil(conn)
		if assert.NotNil(resp, "case %d", idx) {
			assert.Equal(oneCase.expected, resp.StatusCode, "case %d", idx)
		}
	}
	assert.Equal(0, rig.hub.Subscribers(feeds.AttacksChannel))

	// The stream end-point applies the same admission
	{
		target, err := transport.BuildTargetURL(rig.server.URL, feeds.StreamPath(feeds.FLStatusChannel), "abc123")
		assert.Nil(err)
		resp, err := http.Get(target.String())
		assert.Nil(err)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestFeedEndToEndWebSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	serverCtxt, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	rig := newFeedTestRig(t, serverCtxt, nil)
	defer rig.server.Close()

	token, err := rig.tokens.Issue("alice", "user", time.Hour)
	assert.Nil(err)
	creds, err := storage.GetCredentialStore(
		storage.GetMemoryStore(map[string]string{storage.TokenKey: token}), "unit-test",
	)
	assert.Nil(err)
	dialer, err := transport.GetWebSocketDialer(transport.WebSocketDialerParams{
		HandshakeTimeout: time.Second * 5,
	})
	assert.Nil(err)

	channel, err := subscription.NewChannel(subscription.ChannelParams{
		Name: "unit-test", BaseURL: rig.wsBase(), Dialer: dialer, Credentials: creds,
	})
	assert.Nil(err)
	defer func() { assert.Nil(channel.Close()) }()

	sub, err := channel.Subscribe(utCtxt, feeds.FLStatusPath)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return sub.State() == subscription.StateConnected &&
			rig.hub.Subscribers(feeds.FLStatusChannel) == 1
	}, time.Second*5, time.Millisecond*10)

	// Case 0: published FL update reaches the subscriber
	{
		code, body := rig.post(t, "/api/fl_update", `{"server_round":1,"accuracy":0.8123}`)
		assert.Equal(http.StatusOK, code)
		assert.Equal(true, body["success"])
		assert.Equal(feeds.FLStatusChannel, body["channel"])
	}
	assert.Eventually(func() bool {
		return len(sub.Messages()) == 1
	}, time.Second*5, time.Millisecond*10)
	statuses := feeds.DecodeFLStatus(sub.Messages())
	assert.Len(statuses, 1)
	assert.Equal(1, statuses[0].ServerRound)
	assert.InDelta(0.8123, statuses[0].Accuracy, 1e-9)

	// Case 1: invalid FL update is refused
	{
		code, body := rig.post(t, "/api/fl_update", `{"server_round":2,"accuracy":7}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal(false, body["success"])
		code, _ = rig.post(t, "/api/fl_update", `{bad json`)
		assert.Equal(http.StatusBadRequest, code)
	}

	// Case 2: attacks don't reach the fl_status subscriber
	{
		code, body := rig.post(t, "/api/attacks", `{"source_ip":"10.0.0.5","attack_type":"DoS","confidence":0.9}`)
		assert.Equal(http.StatusOK, code)
		message, ok := body["message"].(map[string]interface{})
		assert.True(ok)
		assert.NotEmpty(message["timestamp"])
		assert.NotZero(message["id"])
	}
	time.Sleep(time.Millisecond * 50)
	assert.Len(sub.Messages(), 1)

	// Case 3: switch to the attacks channel
	attackSub, err := channel.Subscribe(utCtxt, feeds.AttacksPath)
	assert.Nil(err)
	assert.True(sub.Disposed())
	assert.Eventually(func() bool {
		return attackSub.State() == subscription.StateConnected &&
			rig.hub.Subscribers(feeds.AttacksChannel) == 1 &&
			rig.hub.Subscribers(feeds.FLStatusChannel) == 0
	}, time.Second*5, time.Millisecond*10)
	{
		code, _ := rig.post(t, "/api/attacks", `{"source_ip":"10.0.0.5","attack_type":"DoS","confidence":0.9}`)
		assert.Equal(http.StatusOK, code)
	}
	assert.Eventually(func() bool {
		return len(attackSub.Messages()) == 1
	}, time.Second*5, time.Millisecond*10)
	attacks := feeds.DecodeAttacks(attackSub.Messages())
	assert.Len(attacks, 1)
	assert.Equal("DoS", attacks[0].AttackType)
	assert.Len(sub.Messages(), 1)

	// Case 4: server shutdown ends the stream normally
	serverCancel()
	assert.Eventually(func() bool {
		return attackSub.State() == subscription.StateDisconnected
	}, time.Second*5, time.Millisecond*10)
}

func TestFeedNDJSONStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	rig := newFeedTestRig(t, utCtxt, nil)
	defer rig.server.Close()

	token, err := rig.tokens.Issue("bob", "user", time.Hour)
	assert.Nil(err)

	target, err := transport.BuildTargetURL(rig.server.URL, feeds.StreamPath(feeds.AttacksChannel), token)
	assert.Nil(err)
	reqCtxt, reqCancel := context.WithCancel(utCtxt)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtxt, http.MethodGet, target.String(), nil)
	assert.Nil(err)
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("application/x-ndjson", resp.Header.Get("Content-Type"))

	assert.Eventually(func() bool {
		return rig.hub.Subscribers(feeds.AttacksChannel) == 1
	}, time.Second*5, time.Millisecond*10)

	// Multi-line JSON is compacted onto one line
	_, err = rig.hub.Broadcast(utCtxt, feeds.AttacksChannel, []byte("{\n \"seq\": 1\n}"))
	assert.Nil(err)
	_, err = rig.hub.Broadcast(utCtxt, feeds.AttacksChannel, []byte(`not json`))
	assert.Nil(err)
	_, err = rig.hub.Broadcast(utCtxt, feeds.AttacksChannel, []byte(`{"seq":2}`))
	assert.Nil(err)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	assert.Nil(err)
	assert.Equal("{\"seq\":1}\n", line)
	line, err = reader.ReadString('\n')
	assert.Nil(err)
	assert.Equal("{\"seq\":2}\n", line)

	// Client leaving removes the subscriber
	reqCancel()
	assert.Eventually(func() bool {
		return rig.hub.Subscribers(feeds.AttacksChannel) == 0
	}, time.Second*5, time.Millisecond*10)
}

func TestFeedHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	var unhealthy int32
	rig := newFeedTestRig(t, utCtxt, func(ctxt context.Context) error {
		if atomic.LoadInt32(&unhealthy) == 0 {
			return nil
		}
		return fmt.Errorf("relay down")
	})
	defer rig.server.Close()

	for path, expected := range map[string]int{"/alive": http.StatusOK, "/ready": http.StatusOK} {
		resp, err := http.Get(rig.server.URL + path)
		assert.Nil(err)
		assert.Equal(expected, resp.StatusCode, path)
		_ = resp.Body.Close()
	}

	atomic.StoreInt32(&unhealthy, 1)
	resp, err := http.Get(rig.server.URL + "/ready")
	assert.Nil(err)
	assert.Equal(http.StatusInternalServerError, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestFeedHandlerParamChecks(t *testing.T) {
	assert := assert.New(t)

	hub, err := broker.GetHub("unit-test", feeds.KnownChannels)
	assert.Nil(err)
	tokens, err := auth.GetTokenManager("fedids", "unit-test-secret")
	assert.Nil(err)

	_, err = GetAPIRestFeedHandler(context.Background(), FeedHandlerParams{
		Hub: hub, Publisher: hub, Tokens: tokens,
		SubscriberQueueDepth: 16, WriteTimeout: time.Second,
	})
	assert.NotNil(err)
	_, err = GetAPIRestFeedHandler(context.Background(), FeedHandlerParams{
		Hub: hub, Publisher: hub, Tokens: tokens, HTTPConfig: &common.HTTPConfig{},
		SubscriberQueueDepth: 0, WriteTimeout: time.Second,
	})
	assert.NotNil(err)
}
