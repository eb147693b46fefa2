package api

import (
	"projectlab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, chatPath, docPathPrefix string) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/rooms/{id}/messages", h.PostRoomMessage).Methods("POST")
	api.HandleFunc("/rooms/{id}/messages", h.ListRoomMessages).Methods("GET")
	api.HandleFunc("/rooms/{id}/assistant", h.AskAssistant).Methods("POST")

	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes. Both go through HandleUpgrade, which re-derives
	// chat-vs-document from the path so the normalization rules live in
	// one place.
	r.HandleFunc(chatPath, h.HandleUpgrade)
	r.PathPrefix(docPathPrefix + "/").HandlerFunc(h.HandleUpgrade)

	return r
}
