package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"projectlab/internal/completion"
	"projectlab/internal/middleware"
	"projectlab/internal/models"
	"projectlab/internal/repository"
	"projectlab/internal/services/chat"
	"projectlab/internal/services/docsync"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	relay    *chat.Relay
	docs     *docsync.Manager
	upgrades *UpgradeRouter
	chatRepo *repository.ChatRepositoryImpl
	llm      *completion.Client
}

func NewHandler(
	relay *chat.Relay,
	docs *docsync.Manager,
	upgrades *UpgradeRouter,
	chatRepo *repository.ChatRepositoryImpl,
	llm *completion.Client,
) *Handler {
	return &Handler{
		relay:    relay,
		docs:     docs,
		upgrades: upgrades,
		chatRepo: chatRepo,
		llm:      llm,
	}
}

// Websocket handlers

// HandleUpgrade classifies the request path and hands the socket to the
// chat relay or the document session manager. Paths that match neither
// endpoint get a plain 404.
func (h *Handler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	kind, docName := h.upgrades.Route(r.URL.Path)
	switch kind {
	case EndpointChat:
		h.relay.ServeWS(w, r)
	case EndpointDoc:
		h.docs.ServeWS(w, r, docName)
	default:
		http.NotFound(w, r)
	}
}

// Chat history handlers

// PostRoomMessage persists a message and then broadcasts it to the room,
// exactly as if a connected client had sent it over the socket. Lets
// non-websocket producers (bots, service hooks) speak into a room.
func (h *Handler) PostRoomMessage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	var body models.ChatMessageCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	msg := &models.ChatMessage{
		RoomID:   roomID,
		AuthorID: body.AuthorID,
		Payload:  body.Payload,
	}
	if err := h.chatRepo.Store(r.Context(), msg); err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.relay.Broadcast(roomID, body.Payload); err != nil {
		// The message is durable; delivery will happen via history.
		middleware.AddSpanError(r.Context(), err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// ListRoomMessages returns the most recent messages for a room in
// chronological order.
func (h *Handler) ListRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := h.chatRepo.ListByRoom(r.Context(), roomID, limit)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Total tells clients whether the window is truncated.
	total, err := h.chatRepo.CountByRoom(r.Context(), roomID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		total = int64(len(messages))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"room_id":  roomID,
		"messages": messages,
		"count":    len(messages),
		"total":    total,
	})
}

// Assistant handler

type assistantRequest struct {
	Prompt string `json:"prompt"`
}

// AskAssistant runs a chat completion for a room prompt and posts the
// answer back into the room as a persisted, broadcast message.
func (h *Handler) AskAssistant(w http.ResponseWriter, r *http.Request) {
	if h.llm == nil {
		http.Error(w, "assistant is not configured", http.StatusServiceUnavailable)
		return
	}

	roomID := mux.Vars(r)["id"]

	var body assistantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	conversation := []completion.Message{
		{Role: "system", Content: "You are a helpful assistant for a project team chat room. Answer concisely."},
	}
	// Recent room history gives the model conversational context. Payloads
	// are opaque JSON, so they go in verbatim.
	if history, err := h.chatRepo.ListByRoom(r.Context(), roomID, 20); err == nil && len(history) > 0 {
		var b strings.Builder
		b.WriteString("Recent messages in this room:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.AuthorID, m.Payload)
		}
		conversation = append(conversation, completion.Message{Role: "system", Content: b.String()})
	}
	conversation = append(conversation, completion.Message{Role: "user", Content: body.Prompt})

	answer, err := h.llm.Complete(r.Context(), conversation)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	payload, err := json.Marshal(map[string]string{
		"kind": "assistant",
		"text": answer,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := &models.ChatMessage{
		RoomID:   roomID,
		AuthorID: "assistant",
		Payload:  payload,
	}
	if err := h.chatRepo.Store(r.Context(), msg); err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.relay.Broadcast(roomID, payload); err != nil {
		middleware.AddSpanError(r.Context(), err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

// Health handler

// Health reports liveness plus a few cheap gauges for dashboards.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	retained, active := h.docs.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"chat_connections": h.relay.ConnectionCount(),
		"chat_rooms":       h.relay.Registry().RoomCount(),
		"doc_rooms":        retained,
		"doc_rooms_active": active,
	})
}
