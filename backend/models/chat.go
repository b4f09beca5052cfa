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

package models

// Role of a chat member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ChatSettings holds the per-chat TTL policy and the designated admin.
type ChatSettings struct {
	AdminID    string `json:"adminId"`
	MinTTL     int64  `json:"minTTL"`     // seconds
	MaxTTL     int64  `json:"maxTTL"`     // seconds
	DefaultTTL int64  `json:"defaultTTL"` // seconds, applied when a sender passes 0
}

// ChatMessage is one immutable entry in a chat's message log, keyed by SentAt.
type ChatMessage struct {
	SenderID   string `json:"senderID"`
	Content    string `json:"content"` // ciphertext for E2E chats, plaintext otherwise
	SentAt     int64  `json:"sentAt"`  // milliseconds since epoch
	TTLSeconds int64  `json:"ttl"`
}

// Chat is the full durable state of one conversation.
type Chat struct {
	ID       string          `json:"id"`
	Members  map[string]Role `json:"members"`
	Settings ChatSettings    `json:"settings"`
	Messages []ChatMessage   `json:"messages"` // sorted by SentAt ascending
}

// IsMember reports whether the identity belongs to the chat.
func (c *Chat) IsMember(userID string) bool {
	_, ok := c.Members[userID]
	return ok
}
