// internal/messaging/routes.go

package messaging

import (
	"net/http"

	"github.com/gorilla/mux"
)

// AuthMiddleware type for the authentication middleware function
type AuthMiddleware func(http.Handler) http.Handler

// RegisterRoutes registers all chat routes
func RegisterRoutes(router *mux.Router, handler *Handler, authMiddleware AuthMiddleware) {
	// WebSocket endpoint - requires authentication
	router.Handle("/ws", authMiddleware(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	api := router.PathPrefix("/api/v1/chat").Subrouter()
	api.Use(mux.MiddlewareFunc(authMiddleware))

	// Conversation endpoints
	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations/groups", handler.CreateGroup).Methods("POST")
	api.HandleFunc("/conversations/direct/{userId:[0-9]+}", handler.GetOrCreateDirectConversation).Methods("GET", "POST")
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.GetConversation).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}/members", handler.AddMembers).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/members/{userId:[0-9]+}", handler.RemoveMember).Methods("DELETE")
	api.HandleFunc("/conversations/{id:[0-9]+}/leave", handler.conversationAction(handler.dir.LeaveGroup)).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/hide", handler.conversationAction(handler.dir.Hide)).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/clear", handler.conversationAction(handler.dir.ClearHistory)).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/read", handler.conversationAction(handler.dir.MarkRead)).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/unread", handler.conversationAction(handler.dir.MarkUnread)).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/pins", handler.GetPins).Methods("GET")

	// Message endpoints
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", handler.GetMessages).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}/messages/search", handler.SearchMessages).Methods("GET")
	api.HandleFunc("/messages", handler.SendMessage).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}/statuses", handler.GetMessageStatuses).Methods("GET")

	// Presence
	api.HandleFunc("/online-users", handler.GetOnlineUsers).Methods("GET")
}

// RegisterHealthCheck registers the unauthenticated health endpoint
func RegisterHealthCheck(router *mux.Router, handler *Handler) {
	router.HandleFunc("/health/chat", handler.HealthCheck).Methods("GET")
}
