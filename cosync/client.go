package cosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type SyncState string

const (
	SyncStateDisconnected SyncState = "disconnected"
	SyncStateConnecting   SyncState = "connecting"
	SyncStateConnected    SyncState = "connected"
	SyncStateSyncing      SyncState = "syncing"
	SyncStateError        SyncState = "error"
)

var ErrDisconnected = errors.New("disconnected")
var ErrRequestTimeout = errors.New("request timeout")
var ErrNotConnected = errors.New("not connected")
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ProtocolError is a server-reported failure (`error` and `auth_error`
// messages).
type ProtocolError struct {
	Code    string
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

type SyncResult struct {
	Pushed       int
	Pulled       int
	SyncedAt     time.Time
	LocalVersion Version
}

type StateChangeFunc func(state SyncState)
type SyncFunc func(result *SyncResult)
type ErrorFunc func(err error)

type SyncClientSettings struct {
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PushDebounce         time.Duration
	RequestTimeout       time.Duration
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	// injectable for tests
	Clock clockwork.Clock
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		AutoReconnect:        true,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: 10,
		PushDebounce:         5 * time.Second,
		RequestTimeout:       30 * time.Second,
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		Clock:                clockwork.NewRealClock(),
	}
}

// SyncClient multiplexes concurrent push/pull requests over one socket,
// applies unsolicited broadcasts, debounces local edits into batched
// pushes, and reconnects with exponential backoff after an unexpected
// close. States cycle disconnected -> connecting -> connected -> syncing
// -> connected; unrecoverable failures land in error.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	serverUrl string
	authToken string
	deviceId  string
	changeLog ChangeLog
	settings  *SyncClientSettings

	stateChangeCallbacks CallbackList[StateChangeFunc]
	syncCallbacks        CallbackList[SyncFunc]
	errorCallbacks       CallbackList[ErrorFunc]

	// websocket writes must not interleave
	sendLock sync.Mutex
	// serializes Sync's push-then-pull
	syncLock sync.Mutex

	stateLock        sync.Mutex
	state            SyncState
	ws               *websocket.Conn
	userId           string
	serverVersion    Version
	lastSyncVersion  Version
	pending          map[Id]chan Message
	reconnectAttempt int
	wasConnected     bool
	manualClose      bool
	debounceTimer    clockwork.Timer
}

func NewSyncClientWithDefaults(
	ctx context.Context,
	serverUrl string,
	authToken string,
	deviceId string,
	changeLog ChangeLog,
) *SyncClient {
	return NewSyncClient(ctx, serverUrl, authToken, deviceId, changeLog, DefaultSyncClientSettings())
}

func NewSyncClient(
	ctx context.Context,
	serverUrl string,
	authToken string,
	deviceId string,
	changeLog ChangeLog,
	settings *SyncClientSettings,
) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncClient{
		ctx:       cancelCtx,
		cancel:    cancel,
		serverUrl: serverUrl,
		authToken: authToken,
		deviceId:  deviceId,
		changeLog: changeLog,
		settings:  settings,
		state:     SyncStateDisconnected,
		pending:   map[Id]chan Message{},
	}
}

func (self *SyncClient) AddStateChangeListener(callback StateChangeFunc) func() {
	return self.stateChangeCallbacks.Add(callback)
}

func (self *SyncClient) AddSyncListener(callback SyncFunc) func() {
	return self.syncCallbacks.Add(callback)
}

func (self *SyncClient) AddErrorListener(callback ErrorFunc) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *SyncClient) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *SyncClient) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userId
}

func (self *SyncClient) LastSyncVersion() Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastSyncVersion
}

func (self *SyncClient) ServerVersion() Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.serverVersion
}

func (self *SyncClient) setState(state SyncState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s state %s\n", self.deviceId, state)
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *SyncClient) emitSync(result *SyncResult) {
	for _, callback := range self.syncCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(result)
		})
	}
}

func (self *SyncClient) emitError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		callback := callback
		HandleError(func() {
			callback(err)
		})
	}
}

// Connect opens the socket and runs the auth handshake before returning.
// A handshake failure leaves the client in the error state.
func (self *SyncClient) Connect() error {
	self.stateLock.Lock()
	if self.ws != nil {
		self.stateLock.Unlock()
		return errors.New("already connected")
	}
	self.manualClose = false
	self.reconnectAttempt = 0
	self.stateLock.Unlock()

	if err := self.connect(); err != nil {
		self.setState(SyncStateError)
		self.emitError(err)
		return err
	}
	return nil
}

func (self *SyncClient) connect() error {
	self.setState(SyncStateConnecting)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.serverUrl, nil)
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// auth handshake before the socket is usable
	authFrame, err := EncodeMessage(&AuthMessage{
		RequestId: NewId(),
		Token:     self.authToken,
		DeviceId:  self.deviceId,
		SiteId:    self.changeLog.SiteIdHex(),
	})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.RequestTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		return err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.RequestTimeout))
	_, replyFrame, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	ws.SetReadDeadline(time.Time{})

	reply, err := DecodeMessage(replyFrame)
	if err != nil {
		return err
	}
	switch v := reply.(type) {
	case *AuthOkMessage:
		self.stateLock.Lock()
		self.ws = ws
		self.userId = v.UserId
		self.serverVersion = v.ServerVersion
		self.wasConnected = true
		self.reconnectAttempt = 0
		self.stateLock.Unlock()
	case *AuthErrorMessage:
		return &ProtocolError{Code: v.Code, Message: v.Message}
	case *ErrorMessage:
		return &ProtocolError{Code: v.Code, Message: v.Message}
	default:
		return fmt.Errorf("unexpected auth reply %q", reply.MessageType())
	}

	success = true
	glog.V(1).Infof("[c]%s connected as %s\n", self.deviceId, self.userId)
	self.setState(SyncStateConnected)
	go self.readLoop(ws)
	return nil
}

// Disconnect closes the socket without scheduling a reconnect. Pending
// requests are rejected with a disconnect error.
func (self *SyncClient) Disconnect() {
	self.stateLock.Lock()
	self.manualClose = true
	ws := self.ws
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
	}
	self.stateLock.Unlock()

	if ws != nil {
		ws.Close()
	} else {
		self.setState(SyncStateDisconnected)
	}
}

func (self *SyncClient) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *SyncClient) readLoop(ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			self.handleDisconnect(ws, err)
			return
		}
		message, err := DecodeMessage(frame)
		if err != nil {
			glog.Infof("[c]%s decode error = %s\n", self.deviceId, err)
			continue
		}
		self.handleMessage(message)
	}
}

func (self *SyncClient) handleMessage(message Message) {
	glog.V(2).Infof("[c]%s<- %s\n", self.deviceId, message.MessageType())

	// request correlation: the first reply bearing a matching id resolves
	// exactly one pending caller; unmatched replies are dropped
	if request, ok := message.(RequestMessage); ok {
		if requestId := request.MessageRequestId(); (requestId != Id{}) {
			self.stateLock.Lock()
			resultChan, ok := self.pending[requestId]
			if ok {
				delete(self.pending, requestId)
			}
			self.stateLock.Unlock()
			if ok {
				resultChan <- message
				return
			}
		}
	}

	switch v := message.(type) {
	case *ChangesMessage:
		// broadcast from a sibling device, applied outside any sync call
		applied, err := self.changeLog.ApplyChanges(v.Changes)
		if err != nil {
			self.emitError(err)
			return
		}
		glog.V(2).Infof("[c]%s applied %d broadcast changes from %s\n", self.deviceId, applied, v.FromDeviceId)
		self.emitSync(&SyncResult{
			Pushed:       0,
			Pulled:       applied,
			SyncedAt:     time.Now(),
			LocalVersion: self.changeLog.DbVersion(),
		})
	case *ErrorMessage:
		self.emitError(&ProtocolError{Code: v.Code, Message: v.Message})
	default:
		// unmatched reply, dropped
	}
}

func (self *SyncClient) handleDisconnect(ws *websocket.Conn, err error) {
	self.stateLock.Lock()
	if self.ws != ws {
		// already superseded
		self.stateLock.Unlock()
		return
	}
	self.ws = nil
	pending := self.pending
	self.pending = map[Id]chan Message{}
	manualClose := self.manualClose
	reconnect := self.settings.AutoReconnect && self.wasConnected
	self.stateLock.Unlock()

	// reject every pending request with a disconnect error
	for _, resultChan := range pending {
		close(resultChan)
	}

	ws.Close()

	if manualClose {
		self.setState(SyncStateDisconnected)
		return
	}

	glog.Infof("[c]%s unexpected close = %s\n", self.deviceId, err)
	self.emitError(err)
	if reconnect {
		self.scheduleReconnect()
	} else {
		self.setState(SyncStateError)
	}
}

// delay = base * 2^(attempt-1), capped at MaxReconnectAttempts attempts.
// Exhausting the attempts is fatal for this client instance.
func (self *SyncClient) scheduleReconnect() {
	self.stateLock.Lock()
	self.reconnectAttempt += 1
	attempt := self.reconnectAttempt
	self.stateLock.Unlock()

	if self.settings.MaxReconnectAttempts < attempt {
		glog.Infof("[c]%s reconnect exhausted after %d attempts\n", self.deviceId, attempt-1)
		self.setState(SyncStateError)
		self.emitError(ErrReconnectExhausted)
		return
	}

	self.setState(SyncStateConnecting)
	delay := self.settings.ReconnectDelay * time.Duration(1<<(attempt-1))
	glog.V(1).Infof("[c]%s reconnect attempt %d in %s\n", self.deviceId, attempt, delay)
	self.settings.Clock.AfterFunc(delay, func() {
		self.stateLock.Lock()
		manualClose := self.manualClose
		self.stateLock.Unlock()
		if manualClose {
			return
		}
		if err := self.connect(); err != nil {
			glog.V(1).Infof("[c]%s reconnect attempt %d failed = %s\n", self.deviceId, attempt, err)
			self.scheduleReconnect()
		}
	})
}

func (self *SyncClient) nextRequestId() Id {
	// ulids are a timestamp plus entropy and are monotonic per process,
	// so ids never collide across reconnects
	return NewId()
}

func (self *SyncClient) request(message RequestMessage) (Message, error) {
	requestId := message.MessageRequestId()

	frame, err := EncodeMessage(message)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	ws := self.ws
	if ws == nil {
		self.stateLock.Unlock()
		return nil, ErrNotConnected
	}
	resultChan := make(chan Message, 1)
	self.pending[requestId] = resultChan
	self.stateLock.Unlock()

	unregister := func() {
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
	}

	self.sendLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, frame)
	self.sendLock.Unlock()
	if err != nil {
		unregister()
		return nil, err
	}
	glog.V(2).Infof("[c]%s-> %s\n", self.deviceId, message.MessageType())

	select {
	case reply, ok := <-resultChan:
		if !ok {
			return nil, ErrDisconnected
		}
		return reply, nil
	case <-self.settings.Clock.After(self.settings.RequestTimeout):
		unregister()
		return nil, ErrRequestTimeout
	case <-self.ctx.Done():
		unregister()
		return nil, ErrDisconnected
	}
}

// Push sends local changes newer than the sync cursor. With nothing to
// send it returns 0 without a network round trip.
func (self *SyncClient) Push() (int, error) {
	self.stateLock.Lock()
	lastSyncVersion := self.lastSyncVersion
	self.stateLock.Unlock()

	changes, err := self.changeLog.ChangesSince(lastSyncVersion)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}

	reply, err := self.request(&PushMessage{
		RequestId:   self.nextRequestId(),
		Changes:     changes,
		FromVersion: lastSyncVersion,
	})
	if err != nil {
		self.emitError(err)
		return 0, err
	}

	switch v := reply.(type) {
	case *PushOkMessage:
		self.stateLock.Lock()
		self.lastSyncVersion = v.ServerVersion
		self.serverVersion = v.ServerVersion
		self.stateLock.Unlock()
		return v.Applied, nil
	case *ErrorMessage:
		err := &ProtocolError{Code: v.Code, Message: v.Message}
		self.emitError(err)
		return 0, err
	default:
		err := fmt.Errorf("unexpected push reply %q", reply.MessageType())
		self.emitError(err)
		return 0, err
	}
}

// Pull requests everything stored after the sync cursor and applies it to
// the local change log. Application is idempotent, so overlapping pulls
// are safe.
func (self *SyncClient) Pull() (int, error) {
	self.stateLock.Lock()
	lastSyncVersion := self.lastSyncVersion
	self.stateLock.Unlock()

	reply, err := self.request(&PullMessage{
		RequestId:    self.nextRequestId(),
		SinceVersion: lastSyncVersion,
	})
	if err != nil {
		self.emitError(err)
		return 0, err
	}

	switch v := reply.(type) {
	case *PullOkMessage:
		applied, err := self.changeLog.ApplyChanges(v.Changes)
		if err != nil {
			self.emitError(err)
			return 0, err
		}
		self.stateLock.Lock()
		self.lastSyncVersion = v.ServerVersion
		self.serverVersion = v.ServerVersion
		self.stateLock.Unlock()
		return applied, nil
	case *ErrorMessage:
		err := &ProtocolError{Code: v.Code, Message: v.Message}
		self.emitError(err)
		return 0, err
	default:
		err := fmt.Errorf("unexpected pull reply %q", reply.MessageType())
		self.emitError(err)
		return 0, err
	}
}

// Sync runs push then pull. A failure in either half lands in the error
// state; a push that succeeded before a failed pull is still durable
// server side.
func (self *SyncClient) Sync() (*SyncResult, error) {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()

	if state := self.State(); state != SyncStateConnected {
		return nil, fmt.Errorf("%w: state %s", ErrNotConnected, state)
	}
	self.setState(SyncStateSyncing)

	pushed, err := self.Push()
	if err != nil {
		self.setState(SyncStateError)
		return nil, err
	}
	pulled, err := self.Pull()
	if err != nil {
		self.setState(SyncStateError)
		return nil, err
	}

	self.setState(SyncStateConnected)
	result := &SyncResult{
		Pushed:       pushed,
		Pulled:       pulled,
		SyncedAt:     time.Now(),
		LocalVersion: self.changeLog.DbVersion(),
	}
	self.emitSync(result)
	return result, nil
}

// SchedulePush (re)starts the debounce timer. Only the last call in a
// burst triggers a push, collapsing many rapid local edits into one
// round trip.
func (self *SyncClient) SchedulePush() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.debounceTimer != nil {
		self.debounceTimer.Reset(self.settings.PushDebounce)
		return
	}
	self.debounceTimer = self.settings.Clock.AfterFunc(self.settings.PushDebounce, func() {
		if self.State() != SyncStateConnected {
			return
		}
		if _, err := self.Push(); err != nil {
			glog.V(1).Infof("[c]%s debounced push failed = %s\n", self.deviceId, err)
		}
	})
}
