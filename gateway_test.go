package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pulsechat/broker/internal/auth"
	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/config"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/metrics"
	"pulsechat/broker/internal/protocol"
	"pulsechat/broker/internal/ratelimit"
	"pulsechat/broker/internal/store"
)

const testSecret = "gateway-test-secret"

type gatewayFixture struct {
	server   *httptest.Server
	broker   *Broker
	verifier *auth.HMACVerifier
}

func newGatewayFixture(t *testing.T, limits map[string]int) *gatewayFixture {
	t.Helper()

	messageStore, err := store.Open(filepath.Join(t.TempDir(), "messages"), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = messageStore.Close() })

	if limits == nil {
		limits = config.DefaultEventLimits
	}
	limiter := ratelimit.NewLimiter(time.Minute, limits)
	t.Cleanup(limiter.Stop)

	authenticator, err := newHMACWebsocketAuthenticator(testSecret)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	cfg := &config.Config{
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		PingInterval:    config.DefaultPingInterval,
		MaxClients:      8,
	}
	broker := NewBroker(cfg, messageStore, limiter, metrics.New(), logging.NewTestLogger(),
		WithWebsocketAuthenticator(authenticator))
	t.Cleanup(broker.Close)

	router := mux.NewRouter()
	router.HandleFunc("/ws", broker.ServeWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	verifier, err := auth.NewHMACVerifier(testSecret, time.Second)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return &gatewayFixture{server: server, broker: broker, verifier: verifier}
}

func (f *gatewayFixture) dial(t *testing.T, identity auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.MintToken(identity, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	endpoint := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?auth_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

// expectEnvelope skips frames until one with the wanted event arrives.
func expectEnvelope(t *testing.T, conn *websocket.Conn, event string) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("no %q frame within 10 reads", event)
	return nil
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func TestHandshakeRejectsMissingAndInvalidTokens(t *testing.T) {
	fixture := newGatewayFixture(t, nil)
	base := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Fatal("dial without a token must fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %+v", resp)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(base+"?auth_token=garbage", nil); err == nil {
		t.Fatal("dial with a forged token must fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %+v", resp)
	}
}

func TestHandshakeAcceptsHeaderToken(t *testing.T) {
	fixture := newGatewayFixture(t, nil)
	token, err := fixture.verifier.MintToken(auth.Identity{ID: "carol"}, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	endpoint := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, http.Header{"X-Auth-Token": {token}})
	if err != nil {
		t.Fatalf("dial with header token: %v", err)
	}
	defer conn.Close()
	if env := readEnvelope(t, conn); env.Event != protocol.EventOnlineUsers {
		t.Fatalf("expected roster as first frame, got %q", env.Event)
	}
}

func TestJoinerGetsRosterOthersGetNotification(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	if env := readEnvelope(t, alice); env.Event != protocol.EventOnlineUsers {
		t.Fatalf("expected roster for joiner, got %q", env.Event)
	}

	bob := fixture.dial(t, auth.Identity{ID: "bob", DisplayName: "Bob"})

	// Bob sees the two-entry roster; Alice sees the join notification only.
	env := expectEnvelope(t, bob, protocol.EventOnlineUsers)
	var roster []protocol.RosterEntry
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected 2 roster entries, got %d", len(roster))
	}

	env = expectEnvelope(t, alice, protocol.EventUserNotification)
	var note protocol.NotificationPayload
	if err := json.Unmarshal(env.Data, &note); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if note.Type != "join" || !strings.Contains(note.Message, "Bob") {
		t.Fatalf("unexpected join notification: %+v", note)
	}
}

func TestCreateFansOutUnderBothNames(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)
	bob := fixture.dial(t, auth.Identity{ID: "bob", DisplayName: "Bob"})
	expectEnvelope(t, bob, protocol.EventOnlineUsers)
	expectEnvelope(t, alice, protocol.EventUserNotification)

	sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "hello", "tempId": "tok-1"})

	// Sender: both names, correlation token echoed.
	var senderCopies []chat.Message
	for _, want := range []string{protocol.EventMessage, protocol.EventSendMessage} {
		env := expectEnvelope(t, alice, want)
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("decode %s: %v", want, err)
		}
		senderCopies = append(senderCopies, msg)
	}
	if senderCopies[0].ID != senderCopies[1].ID || senderCopies[0].Text != senderCopies[1].Text {
		t.Fatalf("dual-name payloads must be identical: %+v vs %+v", senderCopies[0], senderCopies[1])
	}
	if senderCopies[0].CorrelationToken != "tok-1" {
		t.Fatalf("sender copy must echo the correlation token, got %q", senderCopies[0].CorrelationToken)
	}

	// Everyone else: both names, no token.
	for _, want := range []string{protocol.EventMessage, protocol.EventSendMessage} {
		env := expectEnvelope(t, bob, want)
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("decode %s: %v", want, err)
		}
		if msg.CorrelationToken != "" {
			t.Fatalf("broadcast copy must not carry the correlation token, got %q", msg.CorrelationToken)
		}
		if msg.ID != senderCopies[0].ID {
			t.Fatalf("broadcast id %q differs from sender id %q", msg.ID, senderCopies[0].ID)
		}
	}
}

func TestEditIsAuthorOnly(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)
	bob := fixture.dial(t, auth.Identity{ID: "bob", DisplayName: "Bob"})
	expectEnvelope(t, bob, protocol.EventOnlineUsers)

	sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "original"})
	env := expectEnvelope(t, alice, protocol.EventMessage)
	var created chat.Message
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	// Bob cannot edit Alice's message; only he hears about the refusal.
	sendEvent(t, bob, protocol.EventEditMessage, map[string]string{"id": created.ID, "text": "hijacked"})
	env = expectEnvelope(t, bob, protocol.EventError)
	var failure protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(failure.Message, "author") {
		t.Fatalf("unexpected refusal message: %q", failure.Message)
	}

	// The author's edit broadcasts to everyone.
	sendEvent(t, alice, protocol.EventEditMessage, map[string]string{"id": created.ID, "text": "fixed"})
	env = expectEnvelope(t, bob, protocol.EventMessageEdited)
	var edited chat.Message
	if err := json.Unmarshal(env.Data, &edited); err != nil {
		t.Fatalf("decode edited: %v", err)
	}
	if edited.Text != "fixed" || !edited.IsEdited {
		t.Fatalf("unexpected edited payload: %+v", edited)
	}
}

func TestReactionBroadcastsUpdatedPayload(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)

	sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "react to me"})
	env := expectEnvelope(t, alice, protocol.EventMessage)
	var created chat.Message
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	sendEvent(t, alice, protocol.EventReaction, map[string]string{"id": created.ID, "emoji": "👍"})
	env = expectEnvelope(t, alice, protocol.EventMessageUpdated)
	var updated protocol.UpdatedPayload
	if err := json.Unmarshal(env.Data, &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.ID != created.ID || updated.ReactionCount != 1 {
		t.Fatalf("unexpected reaction payload: %+v", updated)
	}
	if users := updated.Reactions["👍"]; len(users) != 1 || users[0] != "alice" {
		t.Fatalf("unexpected reaction users: %+v", updated.Reactions)
	}
}

func TestReplyRequiresLiveParent(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)

	sendEvent(t, alice, protocol.EventReplyToMessage, map[string]string{"parentId": "msg-404", "text": "into the void"})
	env := expectEnvelope(t, alice, protocol.EventError)
	var failure protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !strings.Contains(failure.Message, "parent") {
		t.Fatalf("unexpected refusal message: %q", failure.Message)
	}

	sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "parent"})
	env = expectEnvelope(t, alice, protocol.EventMessage)
	var parent chat.Message
	if err := json.Unmarshal(env.Data, &parent); err != nil {
		t.Fatalf("decode parent: %v", err)
	}

	sendEvent(t, alice, protocol.EventReplyToMessage, map[string]string{"parentId": parent.ID, "text": "child"})
	env = expectEnvelope(t, alice, protocol.EventReplyCreated)
	var reply chat.Message
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.ParentID != parent.ID {
		t.Fatalf("reply parent mismatch: got %q want %q", reply.ParentID, parent.ID)
	}
}

func TestRateLimitNoticeGoesToSenderOnly(t *testing.T) {
	fixture := newGatewayFixture(t, map[string]int{"message": 2, "reaction": 20})

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)
	bob := fixture.dial(t, auth.Identity{ID: "bob", DisplayName: "Bob"})
	expectEnvelope(t, bob, protocol.EventOnlineUsers)
	expectEnvelope(t, alice, protocol.EventUserNotification)

	for i := 0; i < 3; i++ {
		sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "spam"})
	}

	env := expectEnvelope(t, alice, protocol.EventRateLimit)
	var notice protocol.RateLimitPayload
	if err := json.Unmarshal(env.Data, &notice); err != nil {
		t.Fatalf("decode rate limit: %v", err)
	}
	if notice.EventType != "message" || notice.RetryAfter < 1 {
		t.Fatalf("unexpected rate limit payload: %+v", notice)
	}

	// Bob receives the two allowed messages (twice each) and nothing more.
	for i := 0; i < 2; i++ {
		expectEnvelope(t, bob, protocol.EventMessage)
		expectEnvelope(t, bob, protocol.EventSendMessage)
	}
	_ = bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, frame, err := bob.ReadMessage(); err == nil {
		t.Fatalf("expected silence for bob, got frame %s", frame)
	}
}

func TestDeleteBroadcastsSoftDeleteMarker(t *testing.T) {
	fixture := newGatewayFixture(t, nil)

	alice := fixture.dial(t, auth.Identity{ID: "alice", DisplayName: "Alice"})
	expectEnvelope(t, alice, protocol.EventOnlineUsers)

	sendEvent(t, alice, protocol.EventMessage, map[string]string{"text": "doomed"})
	env := expectEnvelope(t, alice, protocol.EventMessage)
	var created chat.Message
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	sendEvent(t, alice, protocol.EventDeleteMessage, map[string]string{"id": created.ID})
	env = expectEnvelope(t, alice, protocol.EventMessageDeleted)
	var deleted protocol.DeletedPayload
	if err := json.Unmarshal(env.Data, &deleted); err != nil {
		t.Fatalf("decode deleted: %v", err)
	}
	if deleted.ID != created.ID || !deleted.IsDeleted {
		t.Fatalf("unexpected delete payload: %+v", deleted)
	}
}
