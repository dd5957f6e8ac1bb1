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

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/core"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/transport"
)

// TokenIssuer issuer of the subscriber tokens signed by the feed server
const TokenIssuer = "fedids"

// CredentialResources a credential store and the resources backing it
type CredentialResources struct {
	Store   storage.CredentialStore
	kv      storage.KeyValueStore
	nats    *core.NatsClient
	logTags log.Fields
}

// Close release the resources backing the credential store
func (r *CredentialResources) Close() {
	if r.kv != nil {
		if err := r.kv.Close(); err != nil {
			log.WithError(err).WithFields(r.logTags).Error("Failed to close key-value store")
		}
	}
	if r.nats != nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		r.nats.Close(ctxt)
	}
}

// DefineCredentialStore build the credential store selected by the config
func DefineCredentialStore(
	ctxt context.Context, config common.SystemConfig, instance string,
) (*CredentialResources, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "credentials",
		"instance":  instance,
		"backend":   config.Credentials.Backend,
	}
	result := &CredentialResources{logTags: logTags}

	var err error
	switch config.Credentials.Backend {
	case "memory":
		result.kv = storage.GetMemoryStore(nil)
	case "file":
		result.kv, err = storage.GetFileStore(config.Credentials.FilePath)
	case "jetstream":
		result.nats, err = core.GetJetStream(core.ConnectParamsFromConfig(config.NATS))
		if err == nil {
			result.kv, err = storage.GetJetStreamKVStore(result.nats, config.Credentials.JetStreamBucket)
		}
	case "redis":
		opCtxt, cancel := context.WithTimeout(
			ctxt, time.Second*time.Duration(config.Credentials.OperationTimeout),
		)
		defer cancel()
		result.kv, err = storage.GetRedisStore(opCtxt, config.Redis, config.Credentials.RedisKeyPrefix)
	default:
		err = fmt.Errorf("unknown credential backend %s", config.Credentials.Backend)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential backend")
		result.Close()
		return nil, err
	}

	result.Store, err = storage.GetCredentialStore(result.kv, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential store")
		result.Close()
		return nil, err
	}
	return result, nil
}

// DefineDialer build the transport dialer selected by the config
func DefineDialer(config common.ChannelConfig) (transport.Dialer, error) {
	handshake := time.Second * time.Duration(config.HandshakeTimeout)
	switch config.Transport {
	case "websocket":
		return transport.GetWebSocketDialer(transport.WebSocketDialerParams{
			HandshakeTimeout: handshake,
			MaxFrameBytes:    int64(config.MaxFrameBytes),
		})
	case "ndjson":
		return transport.GetNDJSONDialer(transport.NDJSONDialerParams{
			HandshakeTimeout: handshake,
			MaxFrameBytes:    config.MaxFrameBytes,
			H2C:              config.H2C,
		})
	default:
		return nil, fmt.Errorf("unknown transport %s", config.Transport)
	}
}
