package subscription

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/transport"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	defaultUpdateBuffer      = 16
	defaultCredentialTimeout = time.Second * 5
	eventLoopBuffer          = 32
)

// Subscription one live subscription to a server push channel
type Subscription interface {
	// ID unique ID of this subscription
	ID() string
	// Path the channel path subscribed to
	Path() string
	// State current connection state
	State() ConnectionState
	// Messages copy of the received messages, newest first
	Messages() []Event
	// Snapshot copy of the current state and messages
	Snapshot() Snapshot
	// Updates a new snapshot is delivered after every change. Closed on disposal.
	//
	// When the consumer falls behind, the oldest pending snapshot is dropped.
	Updates() <-chan Snapshot
	// Disposed whether Close was called
	Disposed() bool
	// Close dispose the subscription, and close its transport connection.
	//
	// No state change or new message is observable once Close returns.
	Close() error
}

// SubscriptionParams parameters of a new subscription
type SubscriptionParams struct {
	// Path the channel path to subscribe to
	Path string `validate:"required"`
	// BaseURL server address the path is appended to
	BaseURL string `validate:"required,url"`
	// Dialer opens the transport connection
	Dialer transport.Dialer `validate:"-"`
	// Credentials holds the auth token
	Credentials storage.CredentialStore `validate:"-"`
	// UpdateBuffer number of pending snapshots held for the consumer. Zero means 16.
	UpdateBuffer int `validate:"gte=0"`
	// CredentialTimeout max duration of the credential read. Zero means 5 seconds.
	CredentialTimeout time.Duration `validate:"gte=0"`
}

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	common.Component
	id        string
	path      string
	lock      sync.Mutex
	view      subscriptionView
	disposed  bool
	updates   chan Snapshot
	conn      transport.Connection
	tp        common.TaskProcessor
	runCtxt   context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewSubscription start a new subscription
//
// The credential is read once. Without one, the subscription starts and stays
// in StateUnauthorized, and the dialer is never called. Otherwise the
// subscription starts in StateConnecting, and one connection is requested.
//
// Cancelling ctxt stops event processing; Close must still be called.
func NewSubscription(ctxt context.Context, params SubscriptionParams) (Subscription, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if params.Dialer == nil {
		return nil, fmt.Errorf("no transport dialer given")
	}
	if params.Credentials == nil {
		return nil, fmt.Errorf("no credential store given")
	}
	if params.UpdateBuffer == 0 {
		params.UpdateBuffer = defaultUpdateBuffer
	}
	if params.CredentialTimeout == 0 {
		params.CredentialTimeout = defaultCredentialTimeout
	}

	id := uuid.New().String()
	logTags := log.Fields{
		"module":       "subscription",
		"component":    "subscription",
		"subscription": id,
		"path":         params.Path,
	}
	runCtxt, runCancel := context.WithCancel(ctxt)
	instance := &subscriptionImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		path:      params.Path,
		view:      subscriptionView{state: StateConnecting, messages: []Event{}},
		updates:   make(chan Snapshot, params.UpdateBuffer),
		runCtxt:   runCtxt,
		runCancel: runCancel,
	}

	token, err := instance.readToken(ctxt, params.Credentials, params.CredentialTimeout)
	if err != nil {
		instance.view.state = StateUnauthorized
		instance.publishLocked()
		return instance, nil
	}
	instance.publishLocked()

	tp, err := common.GetNewTaskProcessorInstance(runCtxt, fmt.Sprintf("sub-%s", id), eventLoopBuffer)
	if err != nil {
		runCancel()
		return nil, err
	}
	handler := func(param interface{}) error {
		instance.apply(param)
		return nil
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(transportOpened{}): handler,
		reflect.TypeOf(transportFrame{}):  handler,
		reflect.TypeOf(transportClosed{}): handler,
		reflect.TypeOf(transportFailed{}): handler,
	}); err != nil {
		runCancel()
		return nil, err
	}
	if err := tp.StartEventLoop(&instance.wg); err != nil {
		runCancel()
		return nil, err
	}
	instance.tp = tp

	target, err := transport.BuildTargetURL(params.BaseURL, params.Path, token)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to build target URL")
		instance.submit(transportFailed{err: err})
		return instance, nil
	}
	conn, err := params.Dialer.Connect(runCtxt, target, transport.Callbacks{
		OnOpen: func() {
			instance.submit(transportOpened{})
		},
		OnMessage: func(frame []byte) {
			instance.submit(transportFrame{data: frame, at: time.Now()})
		},
		OnClose: func() {
			instance.submit(transportClosed{})
		},
		OnError: func(err error) {
			instance.submit(transportFailed{err: err})
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Transport refused target")
		instance.submit(transportFailed{err: err})
		return instance, nil
	}
	instance.lock.Lock()
	instance.conn = conn
	instance.lock.Unlock()
	log.WithFields(logTags).Debugf("Connecting to %s", transport.RedactedTarget(target))
	return instance, nil
}

// readToken fetch the auth token. Any failure means no usable credential.
func (s *subscriptionImpl) readToken(
	ctxt context.Context, store storage.CredentialStore, timeout time.Duration,
) (string, error) {
	readCtxt, cancel := context.WithTimeout(ctxt, timeout)
	defer cancel()
	token, err := store.ReadToken(readCtxt)
	if err != nil {
		if errors.Is(err, storage.ErrNoCredential) {
			log.WithFields(s.LogTags).Info("No credential stored")
		} else {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to read credential")
		}
		return "", err
	}
	return token, nil
}

// submit pass a transport event to the event loop
func (s *subscriptionImpl) submit(evt interface{}) {
	if err := s.tp.Submit(s.runCtxt, evt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("Dropped %T", evt)
	}
}

// apply run the reducer on one transport event. Called from the event loop.
func (s *subscriptionImpl) apply(evt interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.disposed {
		return
	}
	next, changed, err := reduce(s.view, evt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Dropping frame")
		return
	}
	if failed, ok := evt.(transportFailed); ok && changed {
		log.WithError(failed.err).WithFields(s.LogTags).Error("Transport failed")
	}
	if !changed {
		return
	}
	if next.state != s.view.state {
		log.WithFields(s.LogTags).Infof("State %s -> %s", s.view.state, next.state)
	}
	s.view = next
	s.publishLocked()
}

// publishLocked push the current snapshot to the consumer. Caller holds the lock.
func (s *subscriptionImpl) publishLocked() {
	snapshot := s.snapshotLocked()
	for {
		select {
		case s.updates <- snapshot:
			return
		default:
		}
		// Consumer is behind
		select {
		case <-s.updates:
		default:
		}
	}
}

// messagesLocked copy of the buffer, newest first. Caller holds the lock.
func (s *subscriptionImpl) messagesLocked() []Event {
	result := make([]Event, len(s.view.messages))
	for idx, msg := range s.view.messages {
		result[len(result)-1-idx] = msg
	}
	return result
}

func (s *subscriptionImpl) snapshotLocked() Snapshot {
	return Snapshot{
		ID: s.id, Path: s.path, State: s.view.state, Messages: s.messagesLocked(),
	}
}

// ID unique ID of this subscription
func (s *subscriptionImpl) ID() string {
	return s.id
}

// Path the channel path subscribed to
func (s *subscriptionImpl) Path() string {
	return s.path
}

// State current connection state
func (s *subscriptionImpl) State() ConnectionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.view.state
}

// Messages copy of the received messages, newest first
func (s *subscriptionImpl) Messages() []Event {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.messagesLocked()
}

// Snapshot copy of the current state and messages
func (s *subscriptionImpl) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snapshotLocked()
}

// Updates snapshot after every change
func (s *subscriptionImpl) Updates() <-chan Snapshot {
	return s.updates
}

// Disposed whether Close was called
func (s *subscriptionImpl) Disposed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.disposed
}

// Close dispose the subscription
func (s *subscriptionImpl) Close() error {
	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return nil
	}
	s.disposed = true
	close(s.updates)
	conn := s.conn
	s.lock.Unlock()

	log.WithFields(s.LogTags).Debug("Disposing subscription")
	s.runCancel()
	var err error
	if conn != nil {
		if err = conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Transport close failed")
		}
	}
	if s.tp != nil {
		_ = s.tp.StopEventLoop()
	}
	s.wg.Wait()
	return err
}
