package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/relay"
	"agentarena/broker/internal/rounds"
	"agentarena/broker/internal/router"
	"agentarena/broker/internal/signing"
	"agentarena/broker/internal/store"
)

type brokerFixture struct {
	broker  *Broker
	router  *router.Router
	store   *store.Store
	backend *signing.Signer
	server  *httptest.Server
	now     time.Time
}

func newBrokerFixture(t *testing.T, opts ...BrokerOption) *brokerFixture {
	t.Helper()
	f := &brokerFixture{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	f.store = store.New(db, store.RetryPolicy{Attempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		logging.NewTestLogger(),
		store.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, f.store.Migrate())

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	f.backend, err = signing.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)), signing.WithClock(clock))
	require.NoError(t, err)

	reg := registry.NewRegistry(logging.NewTestLogger(), registry.WithRegistryClock(clock))
	tracker := rounds.NewTracker(rounds.WithTrackerClock(clock))
	relayClient := relay.NewClient(time.Second,
		relay.Policy{Attempts: 1, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		logging.NewTestLogger(),
	)
	f.router = router.New(f.store, reg, tracker, f.backend, relayClient, 5*time.Minute,
		logging.NewTestLogger(), router.WithClock(clock))

	f.broker = NewBroker(f.router, reg, logging.NewTestLogger(), opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.broker.ServeWS)
	f.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.server.Close()
		f.broker.Close()
	})
	return f
}

func (f *brokerFixture) createRoom(t *testing.T) uuid.UUID {
	t.Helper()
	room := store.Room{Name: "arena", Active: true}
	require.NoError(t, f.store.CreateRoom(context.Background(), &room))
	return room.ID
}

func (f *brokerFixture) startRound(t *testing.T, roomID uuid.UUID) uuid.UUID {
	t.Helper()
	var round *store.Round
	var perr *protocol.Error
	require.NoError(t, f.broker.RunInRoom(context.Background(), roomID, func() {
		round, perr = f.router.StartRound(context.Background(), roomID)
	}))
	require.Nil(t, perr)
	return round.ID
}

func (f *brokerFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newWalletSigner(t *testing.T, f *brokerFixture) *signing.Signer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := signing.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)),
		signing.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return signer
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, kind protocol.Kind, signer *signing.Signer, content any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	envelope := protocol.Envelope{MessageType: kind, Content: raw}
	if signer != nil {
		signature, err := signer.Sign(raw)
		require.NoError(t, err)
		envelope.Sender = signer.Address()
		envelope.Signature = signature
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope
}

func readUntilKind(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		envelope := readEnvelope(t, conn)
		if envelope.MessageType == kind {
			return envelope
		}
	}
	t.Fatalf("no %s frame received", kind)
	return protocol.Envelope{}
}

func TestWebsocketSubscribeAnnouncesRoster(t *testing.T) {
	f := newBrokerFixture(t)
	roomID := f.createRoom(t)

	conn := f.dial(t, "?userId=alice")
	sendEnvelope(t, conn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(),
		RoomID:    roomID.String(),
	})

	envelope := readUntilKind(t, conn, protocol.KindParticipants)
	var roster protocol.ParticipantsContent
	require.NoError(t, json.Unmarshal(envelope.Content, &roster))
	require.Equal(t, 1, roster.Count)
	require.Equal(t, []string{"alice"}, roster.Participants)
}

func TestWebsocketSubscribeUnknownRoomNotified(t *testing.T) {
	f := newBrokerFixture(t)

	conn := f.dial(t, "?userId=alice")
	sendEnvelope(t, conn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(),
		RoomID:    uuid.NewString(),
	})

	envelope := readUntilKind(t, conn, protocol.KindSystemNotification)
	var notice protocol.SystemNotificationContent
	require.NoError(t, json.Unmarshal(envelope.Content, &notice))
	require.Equal(t, http.StatusNotFound, notice.Status)
}

func TestWebsocketChatRoundTrip(t *testing.T) {
	f := newBrokerFixture(t)
	roomID := f.createRoom(t)
	alice := newWalletSigner(t, f)

	aliceConn := f.dial(t, "?userId=alice")
	sendEnvelope(t, aliceConn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(), RoomID: roomID.String(),
	})
	readUntilKind(t, aliceConn, protocol.KindParticipants)

	bobConn := f.dial(t, "?userId=bob")
	sendEnvelope(t, bobConn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(), RoomID: roomID.String(),
	})
	readUntilKind(t, bobConn, protocol.KindParticipants)

	roundID := f.startRound(t, roomID)
	readUntilKind(t, aliceConn, protocol.KindSystemNotification)
	readUntilKind(t, bobConn, protocol.KindSystemNotification)

	sendEnvelope(t, aliceConn, protocol.KindPublicChat, alice, protocol.PublicChatContent{
		Timestamp: f.now.UnixMilli(),
		RoomID:    roomID.String(),
		UserID:    "alice",
		Text:      "gl hf",
	})

	envelope := readUntilKind(t, bobConn, protocol.KindPublicChat)
	var chat protocol.PublicChatContent
	require.NoError(t, json.Unmarshal(envelope.Content, &chat))
	require.Equal(t, "gl hf", chat.Text)

	messages, err := f.store.RoundMessages(context.Background(), roundID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestWebsocketDisconnectRefreshesRoster(t *testing.T) {
	f := newBrokerFixture(t)
	roomID := f.createRoom(t)

	aliceConn := f.dial(t, "?userId=alice")
	sendEnvelope(t, aliceConn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(), RoomID: roomID.String(),
	})
	readUntilKind(t, aliceConn, protocol.KindParticipants)

	bobConn := f.dial(t, "?userId=bob")
	sendEnvelope(t, bobConn, protocol.KindSubscribeRoom, nil, protocol.SubscribeContent{
		Timestamp: f.now.UnixMilli(), RoomID: roomID.String(),
	})
	readUntilKind(t, bobConn, protocol.KindParticipants)

	require.NoError(t, aliceConn.Close())

	for i := 0; i < 10; i++ {
		envelope := readUntilKind(t, bobConn, protocol.KindParticipants)
		var roster protocol.ParticipantsContent
		require.NoError(t, json.Unmarshal(envelope.Content, &roster))
		if roster.Count == 1 {
			require.Equal(t, []string{"bob"}, roster.Participants)
			return
		}
	}
	t.Fatal("roster never shrank after disconnect")
}

func TestWebsocketAuthRequiredWhenSecretConfigured(t *testing.T) {
	authenticator, err := newHMACWebsocketAuthenticator("shared-secret")
	require.NoError(t, err)
	f := newBrokerFixture(t, WithWebsocketAuthenticator(authenticator))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := mintToken(t, "shared-secret", "alice", time.Now().Add(time.Minute))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?auth_token="+token, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func mintToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(
		`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())))
	signingInput := header + "." + payload
	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte(signingInput))
	require.NoError(t, err)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestRunInRoomSerialisesWork(t *testing.T) {
	f := newBrokerFixture(t)
	roomID := uuid.New()

	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = f.broker.RunInRoom(context.Background(), roomID, func() {
				// Appends without locking: the dispatch loop serialises them.
				order = append(order, i)
			})
		}()
	}
	wg.Wait()
	require.Len(t, order, 32)
}

func TestRunInRoomAfterClose(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.Close()

	err := f.broker.RunInRoom(context.Background(), uuid.New(), func() {})
	require.ErrorIs(t, err, errBrokerClosed)
}

func TestOriginChecker(t *testing.T) {
	open := originChecker(nil)
	restricted := originChecker([]string{"https://arena.example.com"})
	wildcard := originChecker([]string{"*"})

	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	require.True(t, open(request("https://anywhere.example.com")))
	require.True(t, wildcard(request("https://anywhere.example.com")))
	require.True(t, restricted(request("https://arena.example.com")))
	require.True(t, restricted(request("")))
	require.False(t, restricted(request("https://evil.example.com")))
}
