package subscription

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/mocks"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// dialRecord one Connect call observed by the mock dialer
type dialRecord struct {
	target *url.URL
	cb     transport.Callbacks
}

// expectConnect prime the mock dialer for one Connect call
func expectConnect(
	dialer *mocks.Dialer, conn transport.Connection, dials chan<- dialRecord,
) *mock.Call {
	return dialer.On(
		"Connect",
		mock.Anything,
		mock.AnythingOfType("*url.URL"),
		mock.AnythingOfType("transport.Callbacks"),
	).Run(func(args mock.Arguments) {
		dials <- dialRecord{
			target: args.Get(1).(*url.URL), cb: args.Get(2).(transport.Callbacks),
		}
	}).Return(conn, nil).Once()
}

func credentialsWithToken(t *testing.T, token string) storage.CredentialStore {
	seed := map[string]string{}
	if len(token) > 0 {
		seed[storage.TokenKey] = token
	}
	store, err := storage.GetCredentialStore(storage.GetMemoryStore(seed), "unit-test")
	assert.Nil(t, err)
	return store
}

func nextDial(t *testing.T, dials <-chan dialRecord) dialRecord {
	select {
	case record := <-dials:
		return record
	case <-time.After(time.Second * 5):
		assert.FailNow(t, "dialer was not called")
	}
	return dialRecord{}
}

func nextSnapshot(t *testing.T, sub Subscription) Snapshot {
	select {
	case snapshot, ok := <-sub.Updates():
		if !ok {
			assert.FailNow(t, "updates closed")
		}
		return snapshot
	case <-time.After(time.Second * 5):
		assert.FailNow(t, "no snapshot delivered")
	}
	return Snapshot{}
}

func expectNoSnapshot(t *testing.T, sub Subscription, wait time.Duration) {
	select {
	case snapshot, ok := <-sub.Updates():
		if ok {
			assert.Failf(t, "unexpected snapshot", "%+v", snapshot)
		}
	case <-time.After(wait):
	}
}

func TestSubscriptionNoCredential(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockDialer := new(mocks.Dialer)

	// Case 0: nothing stored
	{
		uut, err := NewSubscription(utCtxt, SubscriptionParams{
			Path:        "/ws/fl_status",
			BaseURL:     "ws://127.0.0.1:8000",
			Dialer:      mockDialer,
			Credentials: credentialsWithToken(t, ""),
		})
		assert.Nil(err)
		assert.Equal(StateUnauthorized, uut.State())
		assert.Empty(uut.Messages())
		assert.NotNil(uut.Messages())
		snapshot := nextSnapshot(t, uut)
		assert.Equal(StateUnauthorized, snapshot.State)
		assert.Equal("/ws/fl_status", snapshot.Path)
		assert.Equal(uut.ID(), snapshot.ID)
		assert.Empty(snapshot.Messages)
		expectNoSnapshot(t, uut, time.Millisecond*50)
		assert.Nil(uut.Close())
		_, ok := <-uut.Updates()
		assert.False(ok)
	}

	// Case 1: the store can't be read
	{
		mockStore := new(mocks.CredentialStore)
		mockStore.On("ReadToken", mock.Anything).Return("", fmt.Errorf("store offline")).Once()
		uut, err := NewSubscription(utCtxt, SubscriptionParams{
			Path:        "/ws/attacks",
			BaseURL:     "ws://127.0.0.1:8000",
			Dialer:      mockDialer,
			Credentials: mockStore,
		})
		assert.Nil(err)
		assert.Equal(StateUnauthorized, uut.State())
		assert.Nil(uut.Close())
		mockStore.AssertExpectations(t)
	}

	mockDialer.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockDialer := new(mocks.Dialer)
	mockConn := new(mocks.Connection)
	dials := make(chan dialRecord, 1)
	expectConnect(mockDialer, mockConn, dials)

	uut, err := NewSubscription(utCtxt, SubscriptionParams{
		Path:        "/ws/attacks",
		BaseURL:     "ws://127.0.0.1:8000",
		Dialer:      mockDialer,
		Credentials: credentialsWithToken(t, "abc123"),
	})
	assert.Nil(err)

	dial := nextDial(t, dials)
	assert.Equal("ws", dial.target.Scheme)
	assert.Equal("127.0.0.1:8000", dial.target.Host)
	assert.Equal("/ws/attacks", dial.target.Path)
	assert.Equal("abc123", dial.target.Query().Get(transport.TokenQueryParam))

	// Case 0: connecting
	assert.Equal(StateConnecting, nextSnapshot(t, uut).State)

	// Case 1: handshake complete
	dial.cb.OnOpen()
	{
		snapshot := nextSnapshot(t, uut)
		assert.Equal(StateConnected, snapshot.State)
		assert.Empty(snapshot.Messages)
	}

	// Case 2: first frame
	dial.cb.OnMessage([]byte(`{"attack_type":"DoS","source_ip":"10.0.0.5"}`))
	{
		snapshot := nextSnapshot(t, uut)
		assert.Equal(StateConnected, snapshot.State)
		assert.Len(snapshot.Messages, 1)
		assert.Equal(
			map[string]interface{}{"attack_type": "DoS", "source_ip": "10.0.0.5"},
			snapshot.Messages[0].Payload,
		)
	}

	// Case 3: malformed frame changes nothing
	before := uut.Messages()
	dial.cb.OnMessage([]byte(`{bad json`))
	expectNoSnapshot(t, uut, time.Millisecond*100)
	assert.Equal(StateConnected, uut.State())
	assert.Equal(before, uut.Messages())

	// Case 4: more frames are prepended in arrival order
	for i := 0; i < 4; i++ {
		dial.cb.OnMessage([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	var snapshot Snapshot
	for i := 0; i < 4; i++ {
		snapshot = nextSnapshot(t, uut)
		assert.Len(snapshot.Messages, i+2)
	}
	assert.Len(snapshot.Messages, 5)
	for i := 0; i < 4; i++ {
		assert.Equal(map[string]interface{}{"seq": float64(3 - i)}, snapshot.Messages[i].Payload)
	}
	assert.Equal(before[0], snapshot.Messages[4])

	// Case 5: consumer copies are independent
	snapshot.Messages[0] = Event{}
	assert.Equal(map[string]interface{}{"seq": float64(3)}, uut.Messages()[0].Payload)

	// Case 6: server closes the stream
	dial.cb.OnClose()
	{
		snapshot := nextSnapshot(t, uut)
		assert.Equal(StateDisconnected, snapshot.State)
		assert.Len(snapshot.Messages, 5)
	}
	dial.cb.OnMessage([]byte(`{"late":true}`))
	expectNoSnapshot(t, uut, time.Millisecond*50)
	assert.Len(uut.Messages(), 5)

	mockConn.On("Close").Return(nil).Once()
	assert.Nil(uut.Close())
	mockDialer.AssertExpectations(t)
	mockConn.AssertExpectations(t)
}

func TestSubscriptionTransportFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	// Case 0: failure after connecting, then a close, stays in error
	{
		mockDialer := new(mocks.Dialer)
		mockConn := new(mocks.Connection)
		dials := make(chan dialRecord, 1)
		expectConnect(mockDialer, mockConn, dials)

		uut, err := NewSubscription(utCtxt, SubscriptionParams{
			Path:        "/ws/attacks",
			BaseURL:     "ws://127.0.0.1:8000",
			Dialer:      mockDialer,
			Credentials: credentialsWithToken(t, "abc123"),
		})
		assert.Nil(err)
		dial := nextDial(t, dials)
		assert.Equal(StateConnecting, nextSnapshot(t, uut).State)

		dial.cb.OnOpen()
		assert.Equal(StateConnected, nextSnapshot(t, uut).State)
		dial.cb.OnError(fmt.Errorf("connection reset"))
		assert.Equal(StateError, nextSnapshot(t, uut).State)
		dial.cb.OnClose()
		expectNoSnapshot(t, uut, time.Millisecond*50)
		assert.Equal(StateError, uut.State())

		mockConn.On("Close").Return(nil).Once()
		assert.Nil(uut.Close())
		mockConn.AssertExpectations(t)
	}

	// Case 1: dialer refuses the target
	{
		mockDialer := new(mocks.Dialer)
		mockDialer.On(
			"Connect", mock.Anything, mock.Anything, mock.Anything,
		).Return(nil, fmt.Errorf("unsupported scheme")).Once()

		uut, err := NewSubscription(utCtxt, SubscriptionParams{
			Path:        "/ws/attacks",
			BaseURL:     "ws://127.0.0.1:8000",
			Dialer:      mockDialer,
			Credentials: credentialsWithToken(t, "abc123"),
		})
		assert.Nil(err)
		assert.Equal(StateConnecting, nextSnapshot(t, uut).State)
		assert.Equal(StateError, nextSnapshot(t, uut).State)
		assert.Nil(uut.Close())
		mockDialer.AssertExpectations(t)
	}

	// Case 2: handshake never completes before the transport closes
	{
		mockDialer := new(mocks.Dialer)
		mockConn := new(mocks.Connection)
		dials := make(chan dialRecord, 1)
		expectConnect(mockDialer, mockConn, dials)

		uut, err := NewSubscription(utCtxt, SubscriptionParams{
			Path:        "/ws/attacks",
			BaseURL:     "ws://127.0.0.1:8000",
			Dialer:      mockDialer,
			Credentials: credentialsWithToken(t, "abc123"),
		})
		assert.Nil(err)
		dial := nextDial(t, dials)
		assert.Equal(StateConnecting, nextSnapshot(t, uut).State)
		dial.cb.OnClose()
		assert.Equal(StateDisconnected, nextSnapshot(t, uut).State)

		mockConn.On("Close").Return(nil).Once()
		assert.Nil(uut.Close())
	}
}

func TestSubscriptionDisposal(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockDialer := new(mocks.Dialer)
	mockConn := new(mocks.Connection)
	dials := make(chan dialRecord, 1)
	expectConnect(mockDialer, mockConn, dials)

	uut, err := NewSubscription(utCtxt, SubscriptionParams{
		Path:        "/ws/attacks",
		BaseURL:     "ws://127.0.0.1:8000",
		Dialer:      mockDialer,
		Credentials: credentialsWithToken(t, "abc123"),
	})
	assert.Nil(err)
	dial := nextDial(t, dials)
	assert.Equal(StateConnecting, nextSnapshot(t, uut).State)
	dial.cb.OnOpen()
	assert.Equal(StateConnected, nextSnapshot(t, uut).State)
	dial.cb.OnMessage([]byte(`{"seq":0}`))
	assert.Len(nextSnapshot(t, uut).Messages, 1)

	// Dispose
	mockConn.On("Close").Return(nil).Once()
	assert.False(uut.Disposed())
	assert.Nil(uut.Close())
	assert.True(uut.Disposed())
	mockConn.AssertNumberOfCalls(t, "Close", 1)

	// Frames and events still in flight from the old transport
	for i := 1; i < 10; i++ {
		dial.cb.OnMessage([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	dial.cb.OnError(fmt.Errorf("late failure"))
	dial.cb.OnClose()

	time.Sleep(time.Millisecond * 50)
	assert.Equal(StateConnected, uut.State())
	assert.Len(uut.Messages(), 1)
	assert.Equal(StateConnected, uut.Snapshot().State)

	// Updates is closed once drained
	for range uut.Updates() {
		assert.Fail("snapshot delivered after disposal")
	}

	// Repeated close is harmless
	assert.Nil(uut.Close())
	mockConn.AssertNumberOfCalls(t, "Close", 1)
}

func TestSubscriptionSlowConsumer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockDialer := new(mocks.Dialer)
	mockConn := new(mocks.Connection)
	dials := make(chan dialRecord, 1)
	expectConnect(mockDialer, mockConn, dials)

	uut, err := NewSubscription(utCtxt, SubscriptionParams{
		Path:         "/ws/attacks",
		BaseURL:      "ws://127.0.0.1:8000",
		Dialer:       mockDialer,
		Credentials:  credentialsWithToken(t, "abc123"),
		UpdateBuffer: 2,
	})
	assert.Nil(err)
	dial := nextDial(t, dials)
	dial.cb.OnOpen()
	for i := 0; i < 10; i++ {
		dial.cb.OnMessage([]byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	assert.Eventually(func() bool {
		return len(uut.Messages()) == 10
	}, time.Second*5, time.Millisecond*10)

	// Only the newest snapshots are pending
	first := nextSnapshot(t, uut)
	second := nextSnapshot(t, uut)
	assert.Len(first.Messages, 9)
	assert.Len(second.Messages, 10)

	mockConn.On("Close").Return(nil).Once()
	assert.Nil(uut.Close())
}

func TestSubscriptionParamChecks(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	mockDialer := new(mocks.Dialer)
	creds := credentialsWithToken(t, "abc123")

	// Case 0: empty path
	_, err := NewSubscription(utCtxt, SubscriptionParams{
		BaseURL: "ws://127.0.0.1:8000", Dialer: mockDialer, Credentials: creds,
	})
	assert.NotNil(err)

	// Case 1: no dialer
	_, err = NewSubscription(utCtxt, SubscriptionParams{
		Path: "/ws/attacks", BaseURL: "ws://127.0.0.1:8000", Credentials: creds,
	})
	assert.NotNil(err)

	// Case 2: no credential store
	_, err = NewSubscription(utCtxt, SubscriptionParams{
		Path: "/ws/attacks", BaseURL: "ws://127.0.0.1:8000", Dialer: mockDialer,
	})
	assert.NotNil(err)

	// Case 3: bad base URL
	_, err = NewSubscription(utCtxt, SubscriptionParams{
		Path: "/ws/attacks", BaseURL: "not a url", Dialer: mockDialer, Credentials: creds,
	})
	assert.NotNil(err)

	mockDialer.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)
}
