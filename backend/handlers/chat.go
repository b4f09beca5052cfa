// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package handlers is the HTTP collaborator surface around the relay core:
// chat CRUD and the identity lifecycle. The live message path does not go
// through here; it runs over the persistent connections.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quietline/relay/backend/middleware"
	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/registry"
	"github.com/quietline/relay/backend/storage"
)

type ChatHandler struct {
	chats    storage.ChatStore
	users    storage.UserStore
	registry *registry.Registry
	log      *slog.Logger
}

func NewChatHandler(chats storage.ChatStore, users storage.UserStore, reg *registry.Registry, log *slog.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, users: users, registry: reg, log: log}
}

// NewChat creates a chat from a creator-supplied member list. The first
// member becomes admin.
func (h *ChatHandler) NewChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserList     []string `json:"userList"`
		TTL          int64    `json:"ttl"`
		MinTTL       int64    `json:"minTTL"`
		MaxTTL       int64    `json:"maxTTL"`
		CreatorID    string   `json:"creatorId"`
		CreatorToken string   `json:"creatorToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.authorized(w, r, req.CreatorID, req.CreatorToken) {
		return
	}

	chatID, err := h.chats.CreateChat(r.Context(), req.UserList, req.TTL, req.MinTTL, req.MaxTTL)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      chatID,
	})
}

// GetChat returns the full chat state for one of its members. Runs behind
// the token auth middleware.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	chatID := r.URL.Query().Get("chatid")

	chat, err := h.chats.GetChat(r.Context(), chatID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !chat.IsMember(userID) {
		writeFailure(w, http.StatusForbidden, "not a member of this chat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"userData": chat,
	})
}

// SendMessage persists a message through the HTTP surface and echoes it to
// live members, mirroring what a BroadcastToChat does on the socket.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID      string `json:"chatID"`
		SenderID    string `json:"senderID"`
		SenderToken string `json:"senderToken"`
		Content     string `json:"content"`
		Timestamp   int64  `json:"timestamp"`
		TTL         int64  `json:"ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.authorized(w, r, req.SenderID, req.SenderToken) {
		return
	}

	err := h.chats.AppendMessage(r.Context(), req.ChatID, models.ChatMessage{
		SenderID:   req.SenderID,
		Content:    req.Content,
		SentAt:     req.Timestamp,
		TTLSeconds: req.TTL,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if chat, err := h.chats.GetChat(r.Context(), req.ChatID); err == nil {
		wire := models.Message{
			Action:    models.ActionBroadcast,
			Content:   req.Content,
			SenderID:  req.SenderID,
			ChatID:    req.ChatID,
			Timestamp: req.Timestamp,
		}
		for member := range chat.Members {
			h.registry.Send(member, wire)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true})
}

// AddUser admits a known identity into a chat. Admin only.
func (h *ChatHandler) AddUser(w http.ResponseWriter, r *http.Request) {
	h.memberChange(w, r, h.chats.AddMember)
}

// RemoveUser expels a member from a chat. Admin only.
func (h *ChatHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	h.memberChange(w, r, h.chats.RemoveMember)
}

func (h *ChatHandler) memberChange(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, chatID, userID, adminID string) error) {
	var req struct {
		ChatID     string `json:"chatId"`
		UserID     string `json:"userId"`
		AdminID    string `json:"adminId"`
		AdminToken string `json:"adminToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.authorized(w, r, req.AdminID, req.AdminToken) {
		return
	}

	if err := apply(r.Context(), req.ChatID, req.UserID, req.AdminID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetChatList returns the ids of every chat the user belongs to. Runs
// behind the token auth middleware.
func (h *ChatHandler) GetChatList(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	chatIDs, err := h.chats.ChatsForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if chatIDs == nil {
		chatIDs = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"userData": chatIDs,
	})
}

// authorized verifies the opaque token for the identity, writing the failure
// response itself when the check does not pass.
func (h *ChatHandler) authorized(w http.ResponseWriter, r *http.Request, userID, token string) bool {
	if userID == "" || token == "" {
		writeFailure(w, http.StatusUnauthorized, "missing credentials")
		return false
	}
	ok, err := h.users.Authenticate(r.Context(), userID, token)
	if err != nil {
		h.writeError(w, err)
		return false
	}
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (h *ChatHandler) writeError(w http.ResponseWriter, err error) {
	writeStoreError(w, h.log, err)
}

// writeStoreError maps the storage taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeFailure(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrUnauthorized):
		writeFailure(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrUnknownUser),
		errors.Is(err, storage.ErrAlreadyMember),
		errors.Is(err, storage.ErrNotMember),
		errors.Is(err, storage.ErrInvalidMembership):
		writeFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrStoreUnavailable):
		log.Error("store unavailable", "err", err)
		writeFailure(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		log.Error("unexpected failure", "err", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
