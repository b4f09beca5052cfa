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

package storage

import (
	"context"
	"errors"

	"github.com/quietline/relay/backend/models"
)

// Failure taxonomy shared by every store implementation. Handlers and the
// protocol router match on these with errors.Is; the concrete stores wrap
// them with detail.
var (
	ErrUnauthorized      = errors.New("actor is not authorized")
	ErrNotFound          = errors.New("not found")
	ErrUnknownUser       = errors.New("unknown user")
	ErrAlreadyMember     = errors.New("already a member")
	ErrNotMember         = errors.New("not a member")
	ErrInvalidMembership = errors.New("invalid membership")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// ChatStore is the durable chat state: membership, TTL settings and the
// message log, backed by a hash-oriented key-value store.
type ChatStore interface {
	// CreateChat requires at least two distinct, known members. The first
	// member of the list becomes admin. Returns the new chat id.
	CreateChat(ctx context.Context, members []string, ttl, minTTL, maxTTL int64) (string, error)

	GetChat(ctx context.Context, chatID string) (*models.Chat, error)

	// AddMember and RemoveMember are admin-only mutations.
	AddMember(ctx context.Context, chatID, userID, actingAdminID string) error
	RemoveMember(ctx context.Context, chatID, userID, actingAdminID string) error

	// AppendMessage writes one log entry keyed by its SentAt millisecond.
	// Two messages on the same millisecond collide; the second overwrites.
	AppendMessage(ctx context.Context, chatID string, msg models.ChatMessage) error

	// ListMessages returns a snapshot of the log sorted by SentAt ascending.
	ListMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error)

	// ChatsForUser lists the ids of every chat the user belongs to.
	ChatsForUser(ctx context.Context, userID string) ([]string, error)

	// SweepExpired deletes log entries past their TTL and returns how many
	// were removed. Expiry is advisory between sweeps.
	SweepExpired(ctx context.Context) (int, error)
}

// UserStore is the identity system: issuing identities and their opaque
// tokens, and answering existence checks for membership validation.
type UserStore interface {
	CreateAnonymous(ctx context.Context) (*models.User, error)
	CreateUser(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (*models.User, error)

	// Authenticate reports whether the token is the current token for the
	// identity.
	Authenticate(ctx context.Context, userID, token string) (bool, error)

	Exists(ctx context.Context, userID string) (bool, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}
