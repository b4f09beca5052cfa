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

// Package protocol interprets inbound wire messages and drives connection
// state. The router itself is stateless per call; all state lives in the
// session registry and the chat store.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/registry"
	"github.com/quietline/relay/backend/storage"
)

type Router struct {
	registry *registry.Registry
	chats    storage.ChatStore
	log      *slog.Logger
}

func New(reg *registry.Registry, chats storage.ChatStore, log *slog.Logger) *Router {
	return &Router{registry: reg, chats: chats, log: log}
}

// Handle processes one inbound message from conn. Messages on a single
// connection arrive here in order; across connections no order is defined.
func (r *Router) Handle(ctx context.Context, conn registry.Conn, msg models.Message) {
	r.registry.Touch(msg.SenderID)

	switch msg.Action {
	case models.ActionInit:
		r.handleInit(conn, msg)
	case models.ActionDHPublic, models.ActionChatKey:
		r.handleKeyExchange(conn, msg)
	case models.ActionBroadcast:
		r.handleBroadcast(ctx, conn, msg)
	case models.ActionMessageResponse, models.ActionNone:
		// Clients never produce these as an intent to act on.
		r.log.Debug("ignoring non-actionable message", "action", msg.Action, "sender", msg.SenderID)
	default:
		r.log.Warn("unrecognized action", "action", msg.Action, "sender", msg.SenderID)
	}
}

// handleInit binds the sender to the connection it arrived on. Best-effort:
// a rebind from a reconnecting client supersedes the old handle.
func (r *Router) handleInit(conn registry.Conn, msg models.Message) {
	if msg.SenderID == "" {
		r.log.Warn("init without sender identity")
		return
	}
	r.registry.Bind(msg.SenderID, conn)
	r.log.Info("session bound", "identity", msg.SenderID)
}

// handleKeyExchange forwards handshake material verbatim. For these actions
// the ChatID field addresses the peer identity. The payload is opaque to the
// relay; only the client holds the private halves.
func (r *Router) handleKeyExchange(conn registry.Conn, msg models.Message) {
	if !r.registry.IsLive(msg.SenderID) {
		r.log.Debug("key exchange from unbound sender", "sender", msg.SenderID)
		return
	}

	target := msg.ChatID
	if r.registry.Send(target, msg) {
		return
	}

	// Fire-and-forget for the handshake: the sender gets a notice, never
	// an error, and its session stays up.
	r.respond(conn, msg.ChatID, fmt.Sprintf("key exchange could not be delivered to %s", target))
}

// handleBroadcast persists the message, then fans it out to every live
// member. Persistence failure blocks the fan-out; per-recipient delivery
// failures are independent.
func (r *Router) handleBroadcast(ctx context.Context, conn registry.Conn, msg models.Message) {
	chat, err := r.chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		r.log.Warn("broadcast to unavailable chat", "chat", msg.ChatID, "err", err)
		r.respond(conn, msg.ChatID, fmt.Sprintf("broadcast to chat %s failed", msg.ChatID))
		return
	}

	err = r.chats.AppendMessage(ctx, msg.ChatID, models.ChatMessage{
		SenderID: msg.SenderID,
		Content:  msg.Content,
		SentAt:   msg.Timestamp,
	})
	if err != nil {
		r.log.Error("persist failed, blocking fan-out", "chat", msg.ChatID, "err", err)
		r.respond(conn, msg.ChatID, fmt.Sprintf("broadcast to chat %s failed", msg.ChatID))
		return
	}

	// Admin first, then the remaining members; the sender is included for
	// multi-device echo. Offline members simply miss the dispatch; the log
	// is their source of truth on next selection.
	for _, member := range recipients(chat) {
		if !r.registry.Send(member, msg) {
			r.log.Debug("member not live at dispatch", "chat", msg.ChatID, "member", member)
		}
	}
}

func (r *Router) respond(conn registry.Conn, chatID, notice string) {
	err := conn.WriteMessage(models.Message{
		Action:    models.ActionMessageResponse,
		Content:   notice,
		ChatID:    chatID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		r.log.Debug("response undeliverable", "chat", chatID, "err", err)
	}
}

// recipients returns the membership with the admin first and the rest in a
// stable order.
func recipients(chat *models.Chat) []string {
	out := make([]string, 0, len(chat.Members))
	admin := chat.Settings.AdminID
	if _, ok := chat.Members[admin]; ok {
		out = append(out, admin)
	}
	rest := make([]string, 0, len(chat.Members))
	for member := range chat.Members {
		if member != admin {
			rest = append(rest, member)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
