package storage

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// verifyCredentialStoreBehavior common checks run against every KeyValueStore backend
func verifyCredentialStoreBehavior(t *testing.T, kv KeyValueStore) {
	assert := assert.New(t)

	uut, err := GetCredentialStore(kv, "unit-test")
	assert.Nil(err)

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	// Case 0: nothing stored
	{
		_, err := uut.ReadToken(ctxt)
		assert.ErrorIs(err, ErrNoCredential)
		_, err = uut.ReadRole(ctxt)
		assert.ErrorIs(err, ErrNoCredential)
	}

	// Case 1: store credentials
	token1 := uuid.New().String()
	{
		assert.Nil(uut.StoreCredentials(ctxt, token1, "admin"))
		token, err := uut.ReadToken(ctxt)
		assert.Nil(err)
		assert.Equal(token1, token)
		role, err := uut.ReadRole(ctxt)
		assert.Nil(err)
		assert.Equal("admin", role)
	}

	// Case 2: replace credentials without a role
	token2 := uuid.New().String()
	{
		assert.Nil(uut.StoreCredentials(ctxt, token2, ""))
		token, err := uut.ReadToken(ctxt)
		assert.Nil(err)
		assert.Equal(token2, token)
		_, err = uut.ReadRole(ctxt)
		assert.ErrorIs(err, ErrNoCredential)
	}

	// Case 3: empty token is refused
	assert.NotNil(uut.StoreCredentials(ctxt, "", "user"))

	// Case 4: clear
	{
		assert.Nil(uut.ClearCredentials(ctxt))
		_, err := uut.ReadToken(ctxt)
		assert.ErrorIs(err, ErrNoCredential)
		// Clearing again is fine
		assert.Nil(uut.ClearCredentials(ctxt))
	}
}

func TestCredentialStoreMemory(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	verifyCredentialStoreBehavior(t, GetMemoryStore(nil))
}

func TestCredentialStoreEmptyToken(t *testing.T) {
	assert := assert.New(t)

	// An empty stored token counts as absent
	uut, err := GetCredentialStore(GetMemoryStore(map[string]string{TokenKey: ""}), "unit-test")
	assert.Nil(err)
	_, err = uut.ReadToken(context.Background())
	assert.ErrorIs(err, ErrNoCredential)

	_, err = GetCredentialStore(nil, "unit-test")
	assert.NotNil(err)
}

func TestMemoryStoreContext(t *testing.T) {
	assert := assert.New(t)

	uut := GetMemoryStore(map[string]string{"a": "1"})
	ctxt, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := uut.Get(ctxt, "a")
	assert.ErrorIs(err, context.Canceled)

	value, err := uut.Get(context.Background(), "a")
	assert.Nil(err)
	assert.Equal("1", value)
	_, err = uut.Get(context.Background(), "b")
	assert.ErrorIs(err, ErrKeyNotFound)
}
