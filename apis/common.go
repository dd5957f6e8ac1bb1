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
	"context"
	"errors"
	"net/http"

	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// errSinkFull returned when a subscriber can't keep up with its channel
var errSinkFull = errors.New("subscriber queue full")

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// AccessLogWriter routes HTTP access log lines into the application log
type AccessLogWriter struct {
	LogTags log.Fields
}

// Write logging support
func (w AccessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", p)
	return len(p), nil
}

// ========================================================================================

// queueSink a broker sink feeding one subscriber through a bounded queue
type queueSink struct {
	msgs chan []byte
}

func newQueueSink(depth int) *queueSink {
	return &queueSink{msgs: make(chan []byte, depth)}
}

// Deliver enqueue a message without blocking
func (s *queueSink) Deliver(ctxt context.Context, msg []byte) error {
	select {
	case s.msgs <- msg:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	default:
		return errSinkFull
	}
}
