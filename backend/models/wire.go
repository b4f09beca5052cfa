// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

// Action discriminates the intent of a wire message.
type Action string

const (
	// ActionNone is the zero value: a message with no recognized intent.
	ActionNone Action = ""

	// ActionInit binds the sender's identity to the connection it arrived on.
	ActionInit Action = "Init"

	// ActionBroadcast persists a message and fans it out to every live
	// member of the target chat.
	ActionBroadcast Action = "BroadcastToChat"

	// ActionMessageResponse is a server-to-client status notice. Clients
	// never act on it; the server never acts on an inbound one.
	ActionMessageResponse Action = "MessageResponse"

	// ActionDHPublic carries one party's ephemeral public key to a peer
	// during the key exchange handshake.
	ActionDHPublic Action = "dhpublic"

	// ActionChatKey carries a wrapped chat key to a peer. The wrap is
	// opaque to the server; it is forwarded verbatim.
	ActionChatKey Action = "chatkey"
)

// Message is the single wire shape shared by every action. Content carries
// plaintext for control actions, key material for the handshake actions and
// ciphertext for broadcasts. For the handshake actions the ChatID field
// addresses the peer identity rather than a chat.
type Message struct {
	Action      Action `json:"action"`
	Content     string `json:"content"`
	SenderID    string `json:"senderID"`
	SenderToken string `json:"senderToken,omitempty"`
	ChatID      string `json:"chatID"`
	Timestamp   int64  `json:"timestamp"` // milliseconds since epoch, sender-set
}
