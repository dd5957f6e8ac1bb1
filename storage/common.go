package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
)

// ErrKeyNotFound returned by a KeyValueStore when the key has no value
var ErrKeyNotFound = errors.New("key not found")

// ErrNoCredential returned by a CredentialStore when no auth token is stored
var ErrNoCredential = errors.New("no credential stored")

const (
	// TokenKey is the key holding the auth token
	TokenKey = "token"
	// RoleKey is the key holding the user role indicator
	RoleKey = "role"
)

// KeyValueStore a persistent key-value store of string values
type KeyValueStore interface {
	// Get fetch the value of a key. Returns ErrKeyNotFound if not set.
	Get(ctxt context.Context, key string) (string, error)
	// Set record a value for a key
	Set(ctxt context.Context, key string, value string) error
	// Delete remove a key. Deleting an unknown key is not an error.
	Delete(ctxt context.Context, key string) error
	// Close release resources held by the store
	Close() error
}

// CredentialStore read and write the client credentials
type CredentialStore interface {
	// ReadToken fetch the stored auth token. Returns ErrNoCredential if none is stored.
	ReadToken(ctxt context.Context) (string, error)
	// ReadRole fetch the stored user role. Returns ErrNoCredential if none is stored.
	ReadRole(ctxt context.Context) (string, error)
	// StoreCredentials record a new auth token and user role
	StoreCredentials(ctxt context.Context, token, role string) error
	// ClearCredentials remove the stored auth token and user role
	ClearCredentials(ctxt context.Context) error
}

// credentialStoreImpl implements CredentialStore
type credentialStoreImpl struct {
	common.Component
	store KeyValueStore
}

// GetCredentialStore define a CredentialStore on top of a KeyValueStore
func GetCredentialStore(store KeyValueStore, instance string) (CredentialStore, error) {
	if store == nil {
		return nil, fmt.Errorf("no key-value store given")
	}
	logTags := log.Fields{
		"module": "storage", "component": "credential-store", "instance": instance,
	}
	return &credentialStoreImpl{
		Component: common.Component{LogTags: logTags}, store: store,
	}, nil
}

func (s *credentialStoreImpl) readNonEmpty(ctxt context.Context, key string) (string, error) {
	value, err := s.store.Get(ctxt, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrNoCredential
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to read %s", key)
		return "", err
	}
	if len(value) == 0 {
		return "", ErrNoCredential
	}
	return value, nil
}

// ReadToken fetch the stored auth token
func (s *credentialStoreImpl) ReadToken(ctxt context.Context) (string, error) {
	return s.readNonEmpty(ctxt, TokenKey)
}

// ReadRole fetch the stored user role
func (s *credentialStoreImpl) ReadRole(ctxt context.Context) (string, error) {
	return s.readNonEmpty(ctxt, RoleKey)
}

// StoreCredentials record a new auth token and user role
func (s *credentialStoreImpl) StoreCredentials(ctxt context.Context, token, role string) error {
	if len(token) == 0 {
		return fmt.Errorf("refusing to store empty token")
	}
	if err := s.store.Set(ctxt, TokenKey, token); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to store token")
		return err
	}
	if len(role) == 0 {
		return s.store.Delete(ctxt, RoleKey)
	}
	if err := s.store.Set(ctxt, RoleKey, role); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to store role")
		return err
	}
	return nil
}

// ClearCredentials remove the stored auth token and user role
func (s *credentialStoreImpl) ClearCredentials(ctxt context.Context) error {
	if err := s.store.Delete(ctxt, TokenKey); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to clear token")
		return err
	}
	return s.store.Delete(ctxt, RoleKey)
}
