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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/fedids/realtime/auth"
	"github.com/fedids/realtime/broker"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/feeds"
	"github.com/fedids/realtime/transport"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// AttackTimestampFormat timestamp format of published attacks
const AttackTimestampFormat = "2006-01-02T15:04:05.000000"

// ReadinessProbe reports whether a dependency of the feed server is usable
type ReadinessProbe func(ctxt context.Context) error

// FeedHandlerParams parameters of the feed server REST handler
type FeedHandlerParams struct {
	// Hub fans out messages to the local subscribers
	Hub broker.Hub `validate:"-"`
	// Publisher sends published messages to every subscriber. Usually the hub or a relay.
	Publisher broker.Publisher `validate:"-"`
	// Tokens verifies the subscriber tokens
	Tokens auth.TokenManager `validate:"-"`
	// HTTPConfig HTTP API / server parameters
	HTTPConfig *common.HTTPConfig `validate:"-"`
	// SubscriberQueueDepth number of messages queued per subscriber before dropping
	SubscriberQueueDepth int `validate:"gte=1"`
	// WriteTimeout max duration of one push write
	WriteTimeout time.Duration `validate:"gt=0"`
	// Ready optional readiness probe
	Ready ReadinessProbe `validate:"-"`
}

// APIRestFeedHandler REST handler for the realtime feed server
type APIRestFeedHandler struct {
	goutils.RestAPIHandler
	hub          broker.Hub
	publisher    broker.Publisher
	tokens       auth.TokenManager
	upgrader     *websocket.Upgrader
	validate     *validator.Validate
	queueDepth   int
	writeTimeout time.Duration
	ready        ReadinessProbe
	nextAttackID *int64
	baseContext  context.Context
}

// GetAPIRestFeedHandler define APIRestFeedHandler
func GetAPIRestFeedHandler(
	baseContext context.Context, params FeedHandlerParams,
) (APIRestFeedHandler, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return APIRestFeedHandler{}, err
	}
	if params.Hub == nil || params.Publisher == nil || params.Tokens == nil || params.HTTPConfig == nil {
		return APIRestFeedHandler{}, fmt.Errorf("feed handler needs its hub, publisher, token manager and HTTP config")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "feed",
	}
	attackID := time.Now().Unix()
	return APIRestFeedHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &params.HTTPConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range params.HTTPConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		hub:       params.Hub,
		publisher: params.Publisher,
		tokens:    params.Tokens,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: time.Second * 10,
			// Subscribers authenticate with their token, browser origin is not checked
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:     validate,
		queueDepth:   params.SubscriberQueueDepth,
		writeTimeout: params.WriteTimeout,
		ready:        params.Ready,
		nextAttackID: &attackID,
		baseContext:  baseContext,
	}, nil
}

// admitSubscriber check the channel and the token of a subscribe request.
// On rejection, the response code and message are returned.
func (h APIRestFeedHandler) admitSubscriber(
	r *http.Request, localLogTags log.Fields,
) (string, int, string, error) {
	channel, ok := mux.Vars(r)["channel"]
	if !ok || !h.hub.Serves(channel) {
		err := fmt.Errorf("%w: %s", broker.ErrUnknownChannel, channel)
		return "", http.StatusNotFound, "Unknown channel", err
	}
	token := r.URL.Query().Get(transport.TokenQueryParam)
	if len(token) == 0 {
		return "", http.StatusForbidden, "Missing token", fmt.Errorf("no token given")
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		return "", http.StatusForbidden, "Invalid token", err
	}
	localLogTags["channel"] = channel
	localLogTags["subject"] = claims.Subject
	return channel, http.StatusOK, "", nil
}

// =======================================================================
// Push subscription

// -----------------------------------------------------------------------

// WebSocketSubscribe godoc
// @Summary Subscribe to a channel over WebSocket
// @Description Upgrade to a WebSocket on which every message broadcast on the channel is
// pushed as one JSON text frame. Requests without a valid token are refused before upgrade.
// @tags Feed
// @Param channel path string true "Channel name"
// @Param token query string true "Subscriber token"
// @Success 101 {string} string "switching protocols"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /ws/{channel} [get]
func (h APIRestFeedHandler) WebSocketSubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	channel, respCode, msg, err := h.admitSubscriber(r, localLogTags)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	sink := newQueueSink(h.queueDepth)
	sinkID, err := h.hub.Register(channel, sink)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to register subscriber")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}
	defer func() {
		if err := h.hub.Unregister(channel, sinkID); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to unregister subscriber")
		}
	}()
	log.WithFields(localLogTags).Info("WebSocket subscriber joined")

	// Subscribers don't send anything. Reading surfaces their close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-clientGone
		log.WithFields(localLogTags).Info("WebSocket subscriber left")
	}()

	for {
		select {
		case <-h.baseContext.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(h.writeTimeout),
			)
			return
		case <-clientGone:
			return
		case msg := <-sink.msgs:
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Unable to set write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to push message")
				return
			}
		}
	}
}

// WebSocketSubscribeHandler Wrapper around WebSocketSubscribe
func (h APIRestFeedHandler) WebSocketSubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocketSubscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamSubscribe godoc
// @Summary Subscribe to a channel as a newline-delimited JSON stream
// @Description Long lived response on which every message broadcast on the channel is
// written as one JSON document per line. The stream closes on client disconnect or server
// shutdown.
// @tags Feed
// @Produce json
// @Param channel path string true "Channel name"
// @Param token query string true "Subscriber token"
// @Success 200 {string} string "stream of JSON lines"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream/{channel} [get]
func (h APIRestFeedHandler) StreamSubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reject := func(respCode int, msg string, err error) {
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	channel, respCode, msg, err := h.admitSubscriber(r, localLogTags)
	if err != nil {
		reject(respCode, msg, err)
		return
	}
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		reject(http.StatusInternalServerError, "Streaming not supported", fmt.Errorf("no flusher"))
		return
	}

	sink := newQueueSink(h.queueDepth)
	sinkID, err := h.hub.Register(channel, sink)
	if err != nil {
		reject(http.StatusInternalServerError, "Unable to register subscriber", err)
		return
	}
	defer func() {
		if err := h.hub.Unregister(channel, sinkID); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to unregister subscriber")
		}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(localLogTags).Info("Stream subscriber joined")
	defer log.WithFields(localLogTags).Info("Stream subscriber left")

	for {
		select {
		case <-h.baseContext.Done():
			return
		case <-r.Context().Done():
			return
		case msg := <-sink.msgs:
			// One document per line
			line := bytes.Buffer{}
			if err := json.Compact(&line, msg); err != nil {
				log.WithError(err).WithFields(localLogTags).Warn("Skipping non-JSON message")
				continue
			}
			line.WriteByte('\n')
			if _, err := w.Write(line.Bytes()); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to push message")
				return
			}
			writeFlusher.Flush()
		}
	}
}

// StreamSubscribeHandler Wrapper around StreamSubscribe
func (h APIRestFeedHandler) StreamSubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamSubscribe(w, r)
	}
}

// =======================================================================
// Publish

// APIRestRespPublished response after publishing a message
type APIRestRespPublished struct {
	goutils.RestAPIBaseResponse
	// Channel the message was published on
	Channel string `json:"channel"`
	// Message the published message
	Message json.RawMessage `json:"message"`
}

// publish validate a decoded payload, and publish it on a channel
func (h APIRestFeedHandler) publish(
	w http.ResponseWriter, r *http.Request, channel string, payload interface{},
	decode func() error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	localLogTags["channel"] = channel
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if decode != nil {
		if err := decode(); err != nil {
			msg := "Unable to complete request body"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
	}
	if err := h.validate.Struct(payload); err != nil {
		msg := "Invalid request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		msg := "Unable to serialize message"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if err := h.publisher.Publish(r.Context(), channel, serialized); err != nil {
		msg := fmt.Sprintf("Unable to publish message on %s", channel)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	log.WithFields(localLogTags).Debugf("Published %dB", len(serialized))

	respCode = http.StatusOK
	respBody = APIRestRespPublished{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Channel:             channel,
		Message:             serialized,
	}
}

// -----------------------------------------------------------------------

// PublishFLStatus godoc
// @Summary Publish a federated learning round result
// @Description Broadcast the global model result of one round on the fl_status channel
// @tags Feed
// @Accept json
// @Produce json
// @Param status body feeds.FLStatus true "Round result"
// @Success 200 {object} APIRestRespPublished "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/fl_update [post]
func (h APIRestFeedHandler) PublishFLStatus(w http.ResponseWriter, r *http.Request) {
	var status feeds.FLStatus
	h.publish(w, r, feeds.FLStatusChannel, &status, nil)
}

// PublishFLStatusHandler Wrapper around PublishFLStatus
func (h APIRestFeedHandler) PublishFLStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishFLStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// PublishAttack godoc
// @Summary Publish a detected attack
// @Description Broadcast a detected attack on the attacks channel. The ID and timestamp are
// assigned when not given.
// @tags Feed
// @Accept json
// @Produce json
// @Param attack body feeds.AttackEvent true "Detected attack"
// @Success 200 {object} APIRestRespPublished "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/attacks [post]
func (h APIRestFeedHandler) PublishAttack(w http.ResponseWriter, r *http.Request) {
	var attack feeds.AttackEvent
	h.publish(w, r, feeds.AttacksChannel, &attack, func() error {
		h.completeAttack(&attack, time.Now())
		return nil
	})
}

// completeAttack assign the attack ID and timestamp when missing
func (h APIRestFeedHandler) completeAttack(attack *feeds.AttackEvent, now time.Time) {
	if attack.ID == 0 {
		attack.ID = atomic.AddInt64(h.nextAttackID, 1)
	}
	if len(attack.Timestamp) == 0 {
		attack.Timestamp = now.UTC().Format(AttackTimestampFormat)
	}
}

// PublishAttackHandler Wrapper around PublishAttack
func (h APIRestFeedHandler) PublishAttackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishAttack(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For feed server liveness check
// @Description Will return success to indicate feed server is live
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestFeedHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestFeedHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For feed server readiness check
// @Description Will return success if the feed server is ready for use
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestFeedHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn("Readiness probe failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestFeedHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
