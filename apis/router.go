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
	"net/http"

	"github.com/gorilla/mux"
)

// DefineFeedRouter define the routes of the feed server
func DefineFeedRouter(httpHandler APIRestFeedHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Push subscription
	_ = RegisterPathPrefix(mainRouter, "/ws/{channel}", map[string]http.HandlerFunc{
		"get": httpHandler.WebSocketSubscribeHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/stream/{channel}", map[string]http.HandlerFunc{
		"get": httpHandler.StreamSubscribeHandler(),
	})

	// Publish
	_ = RegisterPathPrefix(mainRouter, "/api/fl_update", map[string]http.HandlerFunc{
		"post": httpHandler.PublishFLStatusHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/api/attacks", map[string]http.HandlerFunc{
		"post": httpHandler.PublishAttackHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	return router
}
