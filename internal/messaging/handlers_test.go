// internal/messaging/handlers_test.go

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (s *testServer) call(t *testing.T, userID int64, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRESTConversationLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, resp := srv.call(t, alice, http.MethodPost, "/api/v1/chat/conversations/groups", CreateGroupRequest{
		Name:      "Chemistry lab",
		MemberIDs: []int64{bob},
	})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var group Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &group))
	assert.Equal(t, ConversationGroup, group.Type)
	require.Len(t, group.Members, 2)

	code, resp = srv.call(t, bob, http.MethodPost, "/api/v1/chat/messages", SendMessageRequest{
		ConversationID: group.ID,
		Content:        "Goggles are in the cupboard",
	})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var msg Message
	require.NoError(t, json.Unmarshal(resp.Data, &msg))

	code, resp = srv.call(t, alice, http.MethodGet, fmt.Sprintf("/api/v1/chat/conversations/%d/messages", group.ID), nil)
	require.Equal(t, http.StatusOK, code)
	var page []*Message
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, msg.ID, page[0].ID)

	code, resp = srv.call(t, alice, http.MethodGet, fmt.Sprintf("/api/v1/chat/messages/%d/statuses", msg.ID), nil)
	require.Equal(t, http.StatusOK, code)
	var statuses struct {
		Statuses []*MessageStatus `json:"statuses"`
		Summary  StatusSummary    `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &statuses))
	assert.Equal(t, 1, statuses.Summary.Recipients)
	assert.Equal(t, TickSent, statuses.Summary.Tick)

	code, resp = srv.call(t, alice, http.MethodPost, fmt.Sprintf("/api/v1/chat/conversations/%d/members", group.ID), AddMembersRequest{UserIDs: []int64{carol}})
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = srv.call(t, bob, http.MethodDelete, fmt.Sprintf("/api/v1/chat/conversations/%d/members/%d", group.ID, carol), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, CodeForbidden, resp.Code)

	code, _ = srv.call(t, alice, http.MethodPost, fmt.Sprintf("/api/v1/chat/conversations/%d/read", group.ID), nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = srv.call(t, alice, http.MethodGet, "/api/v1/chat/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	var convs []*Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestRESTDirectConversation(t *testing.T) {
	srv := newTestServer(t)

	code, resp := srv.call(t, alice, http.MethodPost, fmt.Sprintf("/api/v1/chat/conversations/direct/%d", dave), nil)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var first Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &first))

	code, resp = srv.call(t, dave, http.MethodGet, fmt.Sprintf("/api/v1/chat/conversations/direct/%d", alice), nil)
	require.Equal(t, http.StatusOK, code)
	var second Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	assert.Equal(t, first.ID, second.ID)

	code, resp = srv.call(t, carol, http.MethodGet, fmt.Sprintf("/api/v1/chat/conversations/%d", first.ID), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, CodeUnauthorized, resp.Code)

	code, resp = srv.call(t, alice, http.MethodPost, fmt.Sprintf("/api/v1/chat/conversations/%d/leave", first.ID), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidRequest, resp.Code)

	code, resp = srv.call(t, alice, http.MethodGet, "/api/v1/chat/conversations/direct/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, resp.Code)
}

func TestRESTValidation(t *testing.T) {
	srv := newTestServer(t)
	conv, _, err := srv.pipeline.Directory().GetOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)

	code, resp := srv.call(t, alice, http.MethodGet, fmt.Sprintf("/api/v1/chat/conversations/%d/messages/search?q=", conv.ID), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidRequest, resp.Code)

	code, resp = srv.call(t, alice, http.MethodPost, "/api/v1/chat/conversations/groups", map[string]interface{}{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeInvalidRequest, resp.Code)

	code, _ = srv.call(t, 0, http.MethodGet, "/api/v1/chat/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRESTHealthAndPresence(t *testing.T) {
	srv := newTestServer(t)
	srv.presence.Connect(bob, "rest-test")

	code, resp := srv.call(t, 0, http.MethodGet, "/health/chat", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = srv.call(t, alice, http.MethodGet, "/api/v1/chat/online-users", nil)
	require.Equal(t, http.StatusOK, code)
	var online OnlineUsersPayload
	require.NoError(t, json.Unmarshal(resp.Data, &online))
	assert.Equal(t, []int64{bob}, online.UserIDs)
}
