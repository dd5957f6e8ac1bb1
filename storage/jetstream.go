package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/core"
	"github.com/nats-io/nats.go"
)

// jetStreamKVStore KeyValueStore backed by a NATS JetStream KV bucket
type jetStreamKVStore struct {
	common.Component
	client *core.NatsClient
	kv     nats.KeyValue
}

// GetJetStreamKVStore define a KeyValueStore on a JetStream KV bucket
//
// The bucket is created if it does not exist.
func GetJetStreamKVStore(client *core.NatsClient, bucket string) (KeyValueStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "jetstream-kv", "instance": bucket,
	}
	if client == nil {
		return nil, fmt.Errorf("no NATS client given")
	}
	kv, err := client.JetStream().KeyValue(bucket)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			log.WithError(err).WithFields(logTags).Error("Unable to open KV bucket")
			return nil, err
		}
		log.WithFields(logTags).Info("KV bucket not found, creating")
		kv, err = client.JetStream().CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "FedIds client credentials",
			History:     1,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to create KV bucket")
			return nil, err
		}
	}
	return &jetStreamKVStore{
		Component: common.Component{LogTags: logTags}, client: client, kv: kv,
	}, nil
}

// Get fetch the value of a key
func (s *jetStreamKVStore) Get(ctxt context.Context, key string) (string, error) {
	if err := ctxt.Err(); err != nil {
		return "", err
	}
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return string(entry.Value()), nil
}

// Set record a value for a key
func (s *jetStreamKVStore) Set(ctxt context.Context, key string, value string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	revision, err := s.kv.PutString(key, value)
	if err != nil {
		return err
	}
	log.WithFields(s.LogTags).Debugf("Stored %s@%d", key, revision)
	return nil
}

// Delete remove a key
func (s *jetStreamKVStore) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Close close the NATS client
func (s *jetStreamKVStore) Close() error {
	s.client.Close(context.Background())
	return nil
}
