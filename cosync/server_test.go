package cosync

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

var testJwtSecret = []byte("test-secret")

func newTestServer(t *testing.T, settings *SyncServerSettings) (*SyncServer, string) {
	server := NewSyncServer(
		context.Background(),
		NewMemoryChangeStore(),
		NewJwtAuthenticate(testJwtSecret),
		settings,
	)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
}

func testToken(t *testing.T, userId string) string {
	token, err := MintJwt(testJwtSecret, userId)
	assert.Equal(t, err, nil)
	return token
}

func newTestClient(t *testing.T, wsUrl string, userId string, deviceId string) (*SyncClient, *MemoryChangeLog) {
	changeLog := NewMemoryChangeLog()
	settings := DefaultSyncClientSettings()
	settings.AutoReconnect = false
	client := NewSyncClient(
		context.Background(),
		wsUrl,
		testToken(t, userId),
		deviceId,
		changeLog,
		settings,
	)
	t.Cleanup(client.Close)
	return client, changeLog
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

// dial and exchange raw frames, for protocol-level tests below the client
func rawDial(t *testing.T, wsUrl string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

func rawSend(t *testing.T, ws *websocket.Conn, message Message) {
	frame, err := EncodeMessage(message)
	assert.Equal(t, err, nil)
	err = ws.WriteMessage(websocket.TextMessage, frame)
	assert.Equal(t, err, nil)
}

func rawReceive(t *testing.T, ws *websocket.Conn) Message {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	message, err := DecodeMessage(frame)
	assert.Equal(t, err, nil)
	return message
}

func TestServerRejectsBadFrames(t *testing.T) {
	_, wsUrl := newTestServer(t, DefaultSyncServerSettings())
	ws := rawDial(t, wsUrl)

	// a parse error is answered on the same socket without closing it
	err := ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	assert.Equal(t, err, nil)
	errorMessage := rawReceive(t, ws).(*ErrorMessage)
	assert.Equal(t, errorMessage.Code, ErrorCodeParse)

	err = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	assert.Equal(t, err, nil)
	errorMessage = rawReceive(t, ws).(*ErrorMessage)
	assert.Equal(t, errorMessage.Code, ErrorCodeUnknownMessage)

	// push before auth is a protocol error, still without closing
	rawSend(t, ws, &PushMessage{RequestId: NewId(), Changes: []Change{testChange("a")}})
	errorMessage = rawReceive(t, ws).(*ErrorMessage)
	assert.Equal(t, errorMessage.Code, ErrorCodeNotAuthenticated)

	// the socket remains usable for a proper handshake
	rawSend(t, ws, &AuthMessage{
		RequestId: NewId(),
		Token:     testToken(t, "user-a"),
		DeviceId:  "device-1",
		SiteId:    "aa",
	})
	authOk, ok := rawReceive(t, ws).(*AuthOkMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, authOk.UserId, "user-a")
	assert.Equal(t, authOk.ServerVersion.IsZero(), true)
}

func TestServerRejectsInvalidToken(t *testing.T) {
	_, wsUrl := newTestServer(t, DefaultSyncServerSettings())
	ws := rawDial(t, wsUrl)

	rawSend(t, ws, &AuthMessage{
		RequestId: NewId(),
		Token:     "garbage",
		DeviceId:  "device-1",
	})
	authError, ok := rawReceive(t, ws).(*AuthErrorMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, authError.Code, ErrorCodeInvalidToken)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Equal(t, websocket.IsCloseError(err, CloseCodeAuthFailed), true)
}

func TestServerAuthTimeout(t *testing.T) {
	settings := DefaultSyncServerSettings()
	settings.AuthTimeout = 100 * time.Millisecond
	_, wsUrl := newTestServer(t, settings)

	// an idle unauthenticated socket is force closed after the grace period
	ws := rawDial(t, wsUrl)
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Equal(t, websocket.IsCloseError(err, CloseCodeAuthTimeout), true)
}

func TestServerEmptyPushProbe(t *testing.T) {
	_, wsUrl := newTestServer(t, DefaultSyncServerSettings())
	ws := rawDial(t, wsUrl)

	authRequestId := NewId()
	rawSend(t, ws, &AuthMessage{
		RequestId: authRequestId,
		Token:     testToken(t, "user-a"),
		DeviceId:  "device-1",
	})
	authOk := rawReceive(t, ws).(*AuthOkMessage)
	assert.Equal(t, authOk.RequestId, authRequestId)

	// an empty push is a liveness probe that still reports the version
	requestId := NewId()
	rawSend(t, ws, &PushMessage{RequestId: requestId})
	pushOk, ok := rawReceive(t, ws).(*PushOkMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, pushOk.RequestId, requestId)
	assert.Equal(t, pushOk.Applied, 0)
	assert.Equal(t, pushOk.ServerVersion.IsZero(), true)
}

func TestServerCapacity(t *testing.T) {
	settings := DefaultSyncServerSettings()
	settings.MaxConnectionsPerUser = 2
	_, wsUrl := newTestServer(t, settings)

	clientA, logA := newTestClient(t, wsUrl, "user-a", "device-a")
	clientB, logB := newTestClient(t, wsUrl, "user-a", "device-b")
	assert.Equal(t, clientA.Connect(), nil)
	assert.Equal(t, clientB.Connect(), nil)

	// the third simultaneous session for the same user is rejected,
	// existing sessions are never evicted to make room
	clientC, _ := newTestClient(t, wsUrl, "user-a", "device-c")
	err := clientC.Connect()
	protocolError, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)
	assert.Equal(t, protocolError.Code, ErrorCodeTooManyConnections)
	assert.Equal(t, clientC.State(), SyncStateError)

	// a different user is unaffected
	clientD, _ := newTestClient(t, wsUrl, "user-b", "device-d")
	assert.Equal(t, clientD.Connect(), nil)

	// the first two remain fully functional
	logA.Record(json.RawMessage(`{"op":"a"}`))
	result, err := clientA.Sync()
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Pushed, 1)

	// B ends up with A's change whether the broadcast or the pull wins
	_, err = clientB.Pull()
	assert.Equal(t, err, nil)
	eventually(t, 5*time.Second, func() bool {
		return logB.Len() == 1
	})
}

func TestServerFanOut(t *testing.T) {
	settings := DefaultSyncServerSettings()
	settings.MaxConnectionsPerUser = 2
	server, wsUrl := newTestServer(t, settings)

	clientA, logA := newTestClient(t, wsUrl, "user-a", "device-a")
	clientB, logB := newTestClient(t, wsUrl, "user-a", "device-b")
	assert.Equal(t, clientA.Connect(), nil)
	assert.Equal(t, clientB.Connect(), nil)

	var broadcastsA atomic.Int32
	clientA.AddSyncListener(func(result *SyncResult) {
		if result.Pushed == 0 {
			broadcastsA.Add(1)
		}
	})
	broadcastB := make(chan *SyncResult, 1)
	clientB.AddSyncListener(func(result *SyncResult) {
		broadcastB <- result
	})

	logA.Record(json.RawMessage(`{"op":"create note X"}`))
	result, err := clientA.Sync()
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Pushed, 1)
	assert.Equal(t, clientA.ServerVersion().String(), "1")

	// B receives the broadcast and applies it without calling pull
	select {
	case result := <-broadcastB:
		assert.Equal(t, result.Pushed, 0)
		assert.Equal(t, result.Pulled, 1)
		assert.Equal(t, result.LocalVersion.String(), "1")
	case <-time.After(5 * time.Second):
		t.Fatal("no broadcast received")
	}
	assert.Equal(t, logB.Len(), 1)
	assert.Equal(t, clientB.LastSyncVersion().IsZero(), true)

	// no echo: the pushing session never gets its own changes back
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, broadcastsA.Load(), int32(0))
	assert.Equal(t, logA.Len(), 1)

	// a later pull sees overlapping results but applies nothing new
	pulled, err := clientB.Pull()
	assert.Equal(t, err, nil)
	assert.Equal(t, pulled, 0)
	assert.Equal(t, clientB.LastSyncVersion().String(), "1")

	stats := server.Stats()
	assert.Equal(t, stats.ConnectedSessions, 2)
	assert.Equal(t, stats.DistinctUsers, 1)
	assert.Equal(t, stats.ChangesProcessed, int64(1))
}

func TestServerDisconnectCleanup(t *testing.T) {
	server, wsUrl := newTestServer(t, DefaultSyncServerSettings())

	clientA, _ := newTestClient(t, wsUrl, "user-a", "device-a")
	clientB, _ := newTestClient(t, wsUrl, "user-a", "device-b")
	assert.Equal(t, clientA.Connect(), nil)
	assert.Equal(t, clientB.Connect(), nil)

	eventually(t, 5*time.Second, func() bool {
		return server.Stats().ConnectedSessions == 2
	})

	clientA.Disconnect()
	eventually(t, 5*time.Second, func() bool {
		return server.Stats().ConnectedSessions == 1
	})
	assert.Equal(t, server.Stats().DistinctUsers, 1)

	// the last socket for a user drops the user's whole entry
	clientB.Disconnect()
	eventually(t, 5*time.Second, func() bool {
		stats := server.Stats()
		return stats.ConnectedSessions == 0 && stats.DistinctUsers == 0
	})
}

func TestServerHeartbeatForceClose(t *testing.T) {
	settings := DefaultSyncServerSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.ConnectionTimeout = 100 * time.Millisecond
	settings.PingMissLimit = 2
	_, wsUrl := newTestServer(t, settings)

	ws := rawDial(t, wsUrl)
	rawSend(t, ws, &AuthMessage{
		RequestId: NewId(),
		Token:     testToken(t, "user-a"),
		DeviceId:  "device-1",
	})
	_, ok := rawReceive(t, ws).(*AuthOkMessage)
	assert.Equal(t, ok, true)

	// swallow pings instead of answering them
	ws.SetPingHandler(func(string) error {
		return nil
	})

	// two consecutive unanswered sweeps force the close
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.NotEqual(t, err, nil)
}
