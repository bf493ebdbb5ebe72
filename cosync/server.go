package cosync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type SyncServerSettings struct {
	Host string
	Port int
	// grace period before an unauthenticated socket is force closed
	AuthTimeout           time.Duration
	MaxConnectionsPerUser int
	HeartbeatInterval     time.Duration
	// idle time before the sweep starts pinging a session
	ConnectionTimeout time.Duration
	// consecutive unanswered sweeps before a session is force closed
	PingMissLimit int
	WriteTimeout  time.Duration
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		Host:                  "127.0.0.1",
		Port:                  8090,
		AuthTimeout:           10 * time.Second,
		MaxConnectionsPerUser: 10,
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     60 * time.Second,
		PingMissLimit:         2,
		WriteTimeout:          5 * time.Second,
	}
}

type SyncServerStats struct {
	ConnectedSessions int           `json:"connectedSessions"`
	DistinctUsers     int           `json:"distinctUsers"`
	ChangesProcessed  int64         `json:"changesProcessed"`
	Uptime            time.Duration `json:"uptime"`
}

// SyncServer accepts websocket connections, runs the auth handshake,
// routes push/pull to the change store, and fans pushed changes out to
// every other live session of the same user. All connection indices are
// instance fields so multiple servers can coexist in one process.
type SyncServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	store        ChangeStore
	authenticate AuthenticateFunc
	settings     *SyncServerSettings

	upgrader  websocket.Upgrader
	startTime time.Time

	stateLock        sync.Mutex
	sessions         map[*session]bool
	userSessions     map[string]map[*session]bool
	changesProcessed int64
}

func NewSyncServerWithDefaults(
	ctx context.Context,
	store ChangeStore,
	authenticate AuthenticateFunc,
) *SyncServer {
	return NewSyncServer(ctx, store, authenticate, DefaultSyncServerSettings())
}

func NewSyncServer(
	ctx context.Context,
	store ChangeStore,
	authenticate AuthenticateFunc,
	settings *SyncServerSettings,
) *SyncServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &SyncServer{
		ctx:          cancelCtx,
		cancel:       cancel,
		store:        store,
		authenticate: authenticate,
		settings:     settings,
		upgrader: websocket.Upgrader{
			// clients are native apps, not browsers
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime:    time.Now(),
		sessions:     map[*session]bool{},
		userSessions: map[string]map[*session]bool{},
	}
	go server.heartbeat()
	return server
}

func (self *SyncServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/sync").HandlerFunc(self.serveSync)
	router.Methods(http.MethodGet).Path("/stats").HandlerFunc(self.serveStats)
	return router
}

func (self *SyncServer) ListenAndServe() error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", self.settings.Host, self.settings.Port),
		Handler: self.Router(),
	}
	go func() {
		<-self.ctx.Done()
		httpServer.Close()
	}()
	glog.Infof("[s]listen %s\n", httpServer.Addr)
	return httpServer.ListenAndServe()
}

func (self *SyncServer) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(self.Stats())
}

func (self *SyncServer) serveSync(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}
	self.runSession(ws)
}

func (self *SyncServer) Stats() SyncServerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return SyncServerStats{
		ConnectedSessions: len(self.sessions),
		DistinctUsers:     len(self.userSessions),
		ChangesProcessed:  self.changesProcessed,
		Uptime:            time.Since(self.startTime),
	}
}

// Close force closes every session with the shutdown code and stops the
// heartbeat sweep.
func (self *SyncServer) Close() {
	self.cancel()

	self.stateLock.Lock()
	sessions := maps.Keys(self.sessions)
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.closeWithCode(CloseCodeShutdown, "server shutting down")
	}
}

func (self *SyncServer) addSession(session *session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sessions[session] = true
}

func (self *SyncServer) authorizeSession(s *session, userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userSessions, ok := self.userSessions[userId]
	if !ok {
		userSessions = map[*session]bool{}
		self.userSessions[userId] = userSessions
	}
	if self.settings.MaxConnectionsPerUser <= len(userSessions) {
		// fail closed. existing sessions are never evicted to make room.
		if len(userSessions) == 0 {
			delete(self.userSessions, userId)
		}
		return false
	}
	userSessions[s] = true
	return true
}

func (self *SyncServer) removeSession(session *session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sessions, session)
	if userId := session.UserId(); userId != "" {
		if userSessions, ok := self.userSessions[userId]; ok {
			delete(userSessions, session)
			if len(userSessions) == 0 {
				delete(self.userSessions, userId)
			}
		}
	}
}

// every other live session of the same user, excluding `origin`
func (self *SyncServer) siblingSessions(userId string, origin *session) []*session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	siblings := []*session{}
	for userSession := range self.userSessions[userId] {
		if userSession != origin {
			siblings = append(siblings, userSession)
		}
	}
	return siblings
}

func (self *SyncServer) countChanges(count int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.changesProcessed += int64(count)
}

func (self *SyncServer) runSession(ws *websocket.Conn) {
	session := &session{
		server:       self,
		ws:           ws,
		sessionId:    NewId(),
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	self.addSession(session)
	defer self.removeSession(session)
	defer ws.Close()

	glog.V(1).Infof("[s]%s open\n", session.sessionId)

	// admission control: bound resource use from idle or slow connections
	authTimer := time.AfterFunc(self.settings.AuthTimeout, func() {
		if !session.Authenticated() {
			glog.Infof("[s]%s auth timeout\n", session.sessionId)
			session.closeWithCode(CloseCodeAuthTimeout, "auth timeout")
		}
	})
	defer authTimer.Stop()

	ws.SetPongHandler(func(string) error {
		session.touch()
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[s]%s close = %s\n", session.sessionId, err)
			return
		}
		session.touch()

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.handleFrame(session, frame)
		default:
		}
	}
}

func (self *SyncServer) handleFrame(session *session, frame []byte) {
	message, err := DecodeMessage(frame)
	if err != nil {
		// a bad frame is answered on the same socket without closing it
		code := ErrorCodeParse
		if _, ok := err.(*UnknownMessageError); ok {
			code = ErrorCodeUnknownMessage
		}
		session.send(&ErrorMessage{
			Code:    code,
			Message: err.Error(),
		})
		return
	}

	glog.V(2).Infof("[s]%s<- %s\n", session.sessionId, message.MessageType())

	switch v := message.(type) {
	case *AuthMessage:
		self.handleAuth(session, v)
	case *PushMessage:
		self.handlePush(session, v)
	case *PullMessage:
		self.handlePull(session, v)
	default:
		// a known kind that is not a client request
		requestId := Id{}
		if request, ok := message.(RequestMessage); ok {
			requestId = request.MessageRequestId()
		}
		session.send(&ErrorMessage{
			RequestId: requestIdRef(requestId),
			Code:      ErrorCodeUnknownMessage,
			Message:   fmt.Sprintf("unexpected message type %q", message.MessageType()),
		})
	}
}

func (self *SyncServer) handleAuth(session *session, message *AuthMessage) {
	if session.Authenticated() {
		// idempotent re-auth on the same socket
		serverVersion, _ := self.store.CurrentVersion(self.ctx, session.UserId())
		session.send(&AuthOkMessage{
			RequestId:     message.RequestId,
			UserId:        session.UserId(),
			ServerVersion: serverVersion,
		})
		return
	}

	userId, err := self.authenticate(self.ctx, message.Token)
	if err != nil || userId == "" {
		glog.Infof("[s]%s auth failed\n", session.sessionId)
		session.send(&AuthErrorMessage{
			RequestId: message.RequestId,
			Code:      ErrorCodeInvalidToken,
			Message:   "invalid token",
		})
		session.closeWithCode(CloseCodeAuthFailed, "auth failed")
		return
	}

	if !self.authorizeSession(session, userId) {
		glog.Infof("[s]%s too many connections for %s\n", session.sessionId, userId)
		session.send(&AuthErrorMessage{
			RequestId: message.RequestId,
			Code:      ErrorCodeTooManyConnections,
			Message:   "too many connections",
		})
		session.closeWithCode(CloseCodeTooManyConnections, "too many connections")
		return
	}

	serverVersion, err := self.store.CurrentVersion(self.ctx, userId)
	if err != nil {
		glog.Infof("[s]%s version error = %s\n", session.sessionId, err)
		serverVersion = Version{}
	}
	session.setAuthenticated(userId, message.DeviceId, message.SiteId, serverVersion)

	glog.V(1).Infof("[s]%s auth %s device=%s\n", session.sessionId, userId, message.DeviceId)

	session.send(&AuthOkMessage{
		RequestId:     message.RequestId,
		UserId:        userId,
		ServerVersion: serverVersion,
	})
}

func (self *SyncServer) handlePush(session *session, message *PushMessage) {
	if !session.Authenticated() {
		session.send(&ErrorMessage{
			RequestId: requestIdRef(message.RequestId),
			Code:      ErrorCodeNotAuthenticated,
			Message:   "not authenticated",
		})
		return
	}

	userId := session.UserId()
	// an empty push is a cheap liveness probe that still reports the version
	if len(message.Changes) == 0 {
		serverVersion, err := self.store.CurrentVersion(self.ctx, userId)
		if err != nil {
			glog.Infof("[s]%s version error = %s\n", session.sessionId, err)
			return
		}
		session.send(&PushOkMessage{
			RequestId:     message.RequestId,
			Applied:       0,
			ServerVersion: serverVersion,
		})
		return
	}

	newVersion, err := self.store.StoreChanges(self.ctx, userId, message.Changes)
	if err != nil {
		glog.Infof("[s]%s store error = %s\n", session.sessionId, err)
		session.send(&ErrorMessage{
			RequestId: requestIdRef(message.RequestId),
			Code:      ErrorCodeParse,
			Message:   "store failed",
		})
		return
	}
	self.countChanges(len(message.Changes))
	session.setLastVersion(newVersion)

	// stamp the accepted positions for the reply and the fan-out
	stamped := make([]Change, len(message.Changes))
	for i, change := range message.Changes {
		change.Version = newVersion.Plus(i + 1 - len(message.Changes))
		stamped[i] = change
	}

	session.send(&PushOkMessage{
		RequestId:     message.RequestId,
		Applied:       len(stamped),
		ServerVersion: newVersion,
	})

	siblings := self.siblingSessions(userId, session)
	glog.V(2).Infof("[s]%s fan-out %d changes to %d siblings\n", session.sessionId, len(stamped), len(siblings))
	for _, sibling := range siblings {
		sibling.send(&ChangesMessage{
			Changes:      stamped,
			FromDeviceId: session.DeviceId(),
		})
	}
}

func (self *SyncServer) handlePull(session *session, message *PullMessage) {
	if !session.Authenticated() {
		session.send(&ErrorMessage{
			RequestId: requestIdRef(message.RequestId),
			Code:      ErrorCodeNotAuthenticated,
			Message:   "not authenticated",
		})
		return
	}

	changes, serverVersion, err := self.store.ChangesSince(self.ctx, session.UserId(), message.SinceVersion)
	if err != nil {
		glog.Infof("[s]%s pull error = %s\n", session.sessionId, err)
		session.send(&ErrorMessage{
			RequestId: requestIdRef(message.RequestId),
			Code:      ErrorCodeParse,
			Message:   "pull failed",
		})
		return
	}
	session.setLastVersion(serverVersion)

	session.send(&PullOkMessage{
		RequestId:     message.RequestId,
		Changes:       changes,
		ServerVersion: serverVersion,
	})
}

// liveness sweep. Sessions idle past ConnectionTimeout are pinged each
// interval; PingMissLimit consecutive unanswered sweeps force a close.
func (self *SyncServer) heartbeat() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		self.stateLock.Lock()
		sessions := maps.Keys(self.sessions)
		self.stateLock.Unlock()

		for _, session := range sessions {
			idle, missedPings := session.idle()
			if idle < self.settings.ConnectionTimeout {
				continue
			}
			if self.settings.PingMissLimit <= missedPings {
				glog.Infof("[s]%s liveness close after %d missed pings\n", session.sessionId, missedPings)
				session.closeWithCode(websocket.CloseGoingAway, "liveness timeout")
				continue
			}
			glog.V(2).Infof("[s]%s ping\n", session.sessionId)
			session.ping()
		}
	}
}

func requestIdRef(requestId Id) *Id {
	if (requestId == Id{}) {
		return nil
	}
	return &requestId
}

// session is the ephemeral server-side record of one live socket. It
// belongs to exactly one authenticated user for its whole lifetime.
type session struct {
	server *SyncServer
	ws     *websocket.Conn

	sessionId   Id
	connectedAt time.Time

	// websocket writes must not interleave
	sendLock sync.Mutex

	stateLock     sync.Mutex
	authenticated bool
	userId        string
	deviceId      string
	siteId        string
	lastVersion   Version
	lastActivity  time.Time
	missedPings   int
}

func (self *session) Authenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.authenticated
}

func (self *session) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.userId
}

func (self *session) DeviceId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.deviceId
}

func (self *session) setAuthenticated(userId string, deviceId string, siteId string, lastVersion Version) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.authenticated = true
	self.userId = userId
	self.deviceId = deviceId
	self.siteId = siteId
	self.lastVersion = lastVersion
}

func (self *session) setLastVersion(lastVersion Version) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastVersion = lastVersion
}

func (self *session) touch() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastActivity = time.Now()
	self.missedPings = 0
}

func (self *session) idle() (time.Duration, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return time.Since(self.lastActivity), self.missedPings
}

func (self *session) ping() {
	self.stateLock.Lock()
	self.missedPings += 1
	self.stateLock.Unlock()

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	deadline := time.Now().Add(self.server.settings.WriteTimeout)
	self.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (self *session) send(message Message) {
	frame, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[s]%s encode error = %s\n", self.sessionId, err)
		return
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// the read loop will see the failure and clean up
		glog.V(1).Infof("[s]%s-> error = %s\n", self.sessionId, err)
		return
	}
	glog.V(2).Infof("[s]%s-> %s\n", self.sessionId, message.MessageType())
}

func (self *session) closeWithCode(code int, reason string) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	deadline := time.Now().Add(self.server.settings.WriteTimeout)
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		deadline,
	)
	self.ws.Close()
}
