// internal/messaging/handlers.go

package messaging

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/edustat/edustat-backend/internal/auth"
	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/edustat/edustat-backend/internal/common/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandlerConfig carries the socket settings of the HTTP surface
type HandlerConfig struct {
	AllowedOrigins []string
	SendQueueSize  int
	RateLimit      float64
	RateBurst      int
}

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	pipeline   *Pipeline
	dir        *Directory
	hub        *Hub
	presence   *PresenceRegistry
	dispatcher *Dispatcher
	store      Pinger
	cfg        HandlerConfig
	upgrader   websocket.Upgrader
}

func NewHandler(pipeline *Pipeline, hub *Hub, dispatcher *Dispatcher, presence *PresenceRegistry, store Pinger, cfg HandlerConfig) *Handler {
	h := &Handler{
		pipeline:   pipeline,
		dir:        pipeline.Directory(),
		hub:        hub,
		presence:   presence,
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser origins listed in ALLOWED_ORIGINS
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logger.Log.Warn("socket_origin_rejected", zap.String("origin", origin))
	return false
}

func writeError(w http.ResponseWriter, err error) {
	utils.CodedErrorResponse(w, ErrorCode(err), err.Error(), HTTPStatus(err))
}

func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok || userID <= 0 {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		utils.CodedErrorResponse(w, CodeInvalidRequest, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

// HandleWebSocket upgrades an authenticated request into a session
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("socket_upgrade_failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}
	client := NewClient(h.hub, conn, userID, h.dispatcher, h.cfg.SendQueueSize, limiter)
	client.Start()
}

// GetConversations lists the caller's visible conversations
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 20
	}
	conversations, err := h.dir.ListConversations(r.Context(), userID, limit, queryInt(r, "offset"))
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, conversations, http.StatusOK)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	conv, err := h.dir.GetConversation(r.Context(), convID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

// GetOrCreateDirectConversation resolves the direct thread with another user
func (h *Handler) GetOrCreateDirectConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	otherID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	conv, created, err := h.dir.GetOrCreateDirect(r.Context(), userID, otherID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.SuccessResponse(w, conv, status)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.CodedErrorResponse(w, CodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.dir.CreateGroup(r.Context(), userID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusCreated)
}

func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req AddMembersRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.CodedErrorResponse(w, CodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.dir.AddMembers(r.Context(), convID, userID, req.UserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	if err := h.dir.RemoveMember(r.Context(), convID, userID, targetID); err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, map[string]int64{"conversation_id": convID, "user_id": targetID}, http.StatusOK)
}

// conversationAction adapts a per-viewer directory operation to a handler
func (h *Handler) conversationAction(action func(ctx context.Context, convID, userID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		convID, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		if err := action(r.Context(), convID, userID); err != nil {
			writeError(w, err)
			return
		}
		utils.SuccessResponse(w, map[string]int64{"conversation_id": convID}, http.StatusOK)
	}
}

// GetMessages returns a newest-first page; older pages use ?before=<id>
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	messages, err := h.pipeline.ListMessages(r.Context(), convID, userID, before, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusOK)
}

func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	messages, err := h.pipeline.Search(r.Context(), convID, userID, r.URL.Query().Get("q"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusOK)
}

func (h *Handler) GetPins(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	pins, err := h.pipeline.ListPins(r.Context(), convID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, pins, http.StatusOK)
}

// SendMessage sends a message (REST fallback)
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.CodedErrorResponse(w, CodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	message, err := h.pipeline.Send(r.Context(), userID, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusCreated)
}

func (h *Handler) GetMessageStatuses(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	statuses, summary, err := h.pipeline.Statuses(r.Context(), messageID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.SuccessResponse(w, map[string]interface{}{
		"statuses": statuses,
		"summary":  summary,
	}, http.StatusOK)
}

func (h *Handler) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	online := h.presence.OnlineUsers()
	utils.SuccessResponse(w, OnlineUsersPayload{UserIDs: online, Count: len(online)}, http.StatusOK)
}

// HealthCheck reports store reachability and live session counts
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			utils.ErrorResponse(w, "message store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	utils.SuccessResponse(w, map[string]interface{}{
		"status":       "healthy",
		"sessions":     h.hub.SessionCount(),
		"online_users": len(h.presence.OnlineUsers()),
	}, http.StatusOK)
}
