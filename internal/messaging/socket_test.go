// internal/messaging/socket_test.go

package messaging

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edustat/edustat-backend/internal/auth"
	"github.com/edustat/edustat-backend/internal/common/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "socket-test-secret"

type testServer struct {
	*httptest.Server
	repo     *MemoryRepository
	hub      *Hub
	presence *PresenceRegistry
	pipeline *Pipeline
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := NewMemoryRepository()
	for id, name := range map[int64]string{alice: "Alice", bob: "Bob", carol: "Carol", dave: "Dave"} {
		repo.PutUser(&UserInfo{ID: id, Username: strings.ToLower(name), DisplayName: name, Role: "student"})
	}

	presence := NewPresenceRegistry(0)
	hub := startHub(t, presence)
	presence.SetPublisher(hub)

	seq := NewSequencer(hub, time.Second)
	emit := NewEmitter(hub, seq)
	dir := NewDirectory(repo, emit, PinPolicyMembers)
	typing := NewTypingBroadcaster(hub, time.Minute)
	hub.SetTyping(typing)
	pipeline := NewPipeline(repo, dir, emit, PipelineConfig{}, WithTyping(typing), WithPresence(presence))
	dispatcher := NewDispatcher(hub, pipeline, typing, presence)
	handler := NewHandler(pipeline, hub, dispatcher, presence, repo, HandlerConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		SendQueueSize:  64,
	})

	router := mux.NewRouter()
	RegisterRoutes(router, handler, auth.NewMiddleware(testSecret).Authenticate)
	RegisterHealthCheck(router, handler)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		typing.Close()
		presence.Close()
		seq.Close()
	})
	return &testServer{Server: srv, repo: repo, hub: hub, presence: presence, pipeline: pipeline}
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := utils.NewAccessToken(userID, fmt.Sprintf("user%d", userID), testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// wireFrame covers both outbound event envelopes and action replies
type wireFrame struct {
	Type           string          `json:"type"`
	Action         string          `json:"action"`
	RequestID      string          `json:"request_id"`
	Success        bool            `json:"success"`
	ConversationID int64           `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Data           json.RawMessage `json:"data"`
	Error          *WSError        `json:"error"`
}

type socket struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T, userID int64) *socket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return &socket{t: t, conn: conn}
}

func (s *socket) send(frameType, requestID string, data interface{}) {
	s.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteJSON(WSMessage{Type: frameType, RequestID: requestID, Data: raw}))
}

// await reads frames until one matches, skipping unrelated traffic such as
// presence broadcasts
func (s *socket) await(match func(f wireFrame) bool) wireFrame {
	s.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(s.t, s.conn.SetReadDeadline(deadline))
		var f wireFrame
		err := s.conn.ReadJSON(&f)
		require.NoError(s.t, err, "no matching frame before deadline")
		if match(f) {
			return f
		}
	}
}

func (s *socket) reply(requestID string) wireFrame {
	s.t.Helper()
	return s.await(func(f wireFrame) bool {
		return (f.Type == FrameAck || f.Type == FrameError) && f.RequestID == requestID
	})
}

func (s *socket) event(eventType string) wireFrame {
	s.t.Helper()
	return s.await(func(f wireFrame) bool { return f.Type == eventType })
}

func waitSessions(t *testing.T, s *testServer, userID int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.hub.UserSessionCount(userID) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocketConversationFlow(t *testing.T) {
	srv := newTestServer(t)
	phone := srv.dial(t, alice)
	laptop := srv.dial(t, alice)
	bobWS := srv.dial(t, bob)
	waitSessions(t, srv, alice, 2)
	waitSessions(t, srv, bob, 1)

	phone.send(EventUserJoin, "join", nil)
	joined := phone.reply("join")
	require.True(t, joined.Success)
	var joinData struct {
		UserID      int64   `json:"user_id"`
		OnlineUsers []int64 `json:"online_users"`
	}
	require.NoError(t, json.Unmarshal(joined.Data, &joinData))
	assert.Equal(t, alice, joinData.UserID)
	assert.ElementsMatch(t, []int64{alice, bob}, joinData.OnlineUsers)

	phone.send(EventMessageSend, "m1", SendMessageRequest{RecipientID: bob, Content: "Did you finish the lab report?"})
	ack := phone.reply("m1")
	require.True(t, ack.Success, "%+v", ack.Error)
	var sent Message
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	assert.Equal(t, alice, sent.SenderID)

	// the sender's other device and the recipient both see it
	onLaptop := laptop.event(EventMessageNew)
	assert.Equal(t, sent.ConversationID, onLaptop.ConversationID)
	created := bobWS.event(EventConversationNew)
	onBob := bobWS.event(EventMessageNew)
	assert.Greater(t, onBob.Seq, created.Seq)

	// typing reaches room members other than the typist
	phone.send(EventConversationJoin, "room", map[string]int64{"conversation_id": sent.ConversationID})
	require.True(t, phone.reply("room").Success)
	bobWS.send(EventTypingStart, "t1", map[string]int64{"conversation_id": sent.ConversationID})
	require.True(t, bobWS.reply("t1").Success)

	typingFrame := phone.event(EventTypingUpdate)
	var typingData TypingPayload
	require.NoError(t, json.Unmarshal(typingFrame.Data, &typingData))
	assert.True(t, typingData.IsTyping)
	assert.Equal(t, bob, typingData.UserID)

	bobWS.send(EventMessageSeen, "seen", map[string]int64{"message_id": sent.ID})
	require.True(t, bobWS.reply("seen").Success)

	status := phone.event(EventMessageStatus)
	var statusData MessageStatusPayload
	require.NoError(t, json.Unmarshal(status.Data, &statusData))
	assert.Equal(t, TickSeen, statusData.Summary.Tick)
	assert.Equal(t, bob, statusData.UserID)
}

func TestSocketErrorReplies(t *testing.T) {
	srv := newTestServer(t)
	ws := srv.dial(t, carol)

	ws.send(EventMessageEdit, "e1", map[string]interface{}{"message_id": 404, "content": "x"})
	reply := ws.reply("e1")
	assert.Equal(t, FrameError, reply.Type)
	assert.Equal(t, EventMessageEdit, reply.Action)
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeNotFound, reply.Error.Code)

	ws.send("message:shout", "e2", map[string]string{})
	reply = ws.reply("e2")
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInvalidRequest, reply.Error.Code)

	ws.send(EventMessageSend, "e3", map[string]interface{}{"conversation_id": -1, "content": "x"})
	reply = ws.reply("e3")
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeInvalidRequest, reply.Error.Code)

	require.NoError(t, ws.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply = ws.await(func(f wireFrame) bool { return f.Type == FrameError })
	assert.Equal(t, CodeInvalidRequest, reply.Error.Code)
}

func TestSocketRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+token(t, alice), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSocketDisconnectClearsPresence(t *testing.T) {
	srv := newTestServer(t)
	ws := srv.dial(t, dave)
	waitSessions(t, srv, dave, 1)
	assert.True(t, srv.presence.IsOnline(dave))

	require.NoError(t, ws.conn.Close())
	waitSessions(t, srv, dave, 0)
	assert.False(t, srv.presence.IsOnline(dave))
}
