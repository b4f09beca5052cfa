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

// Package crypto implements the key exchange engine: ephemeral X25519 key
// agreement, per-chat symmetric keys, and ChaCha20-Poly1305 sealing of both
// key wraps and message bodies. The shared secret only ever wraps a chat key;
// message bodies are encrypted under the chat key alone.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyBytes is the size of every key in the engine: X25519 scalars and points,
// derived wrap keys and chat keys.
const KeyBytes = 32

var (
	// ErrDecryptionFailure covers malformed nonce/ciphertext framing and
	// authentication tag mismatches. Callers must treat the two cases
	// identically; distinguishing them leaks an oracle.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrEntropyExhausted means the entropy source failed. Not retriable.
	ErrEntropyExhausted = errors.New("entropy source exhausted")
)

// KeyPair is one party's ephemeral handshake pair. The private half has no
// transport encoding on purpose: it must never cross the wire.
type KeyPair struct {
	private [KeyBytes]byte
	Public  [KeyBytes]byte
}

// SharedSecret is the pairwise key derived from a completed handshake. It
// wraps and unwraps chat keys and nothing else.
type SharedSecret [KeyBytes]byte

// ChatKey encrypts all message bodies within one chat.
type ChatKey [KeyBytes]byte

// Engine performs all key exchange and sealing operations. The zero value is
// not usable; construct with NewEngine. The entropy source is injectable so
// tests can run deterministically.
type Engine struct {
	rand io.Reader
}

// NewEngine returns an engine backed by the platform CSPRNG.
func NewEngine() *Engine {
	return &Engine{rand: rand.Reader}
}

// NewEngineWithRand returns an engine drawing entropy from r. Test use only.
func NewEngineWithRand(r io.Reader) *Engine {
	return &Engine{rand: r}
}

// GenerateKeyPair returns a fresh X25519 pair, clamped per RFC 7748.
func (e *Engine) GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(e.rand, kp.private[:]); err != nil {
		return KeyPair{}, errors.Join(ErrEntropyExhausted, err)
	}
	clamp(&kp.private)
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSharedSecret computes the X25519 agreement between our private key
// and the peer's public key, then expands it through HKDF-SHA256 into the
// wrap key. Both parties derive the same secret from their own pair and the
// other's public half.
func (e *Engine) DeriveSharedSecret(mine KeyPair, theirPublic [KeyBytes]byte) (SharedSecret, error) {
	var secret SharedSecret
	raw, err := curve25519.X25519(mine.private[:], theirPublic[:])
	if err != nil {
		return secret, err
	}
	kdf := hkdf.New(sha256.New, raw, nil, []byte("quietline-key-wrap-v1"))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return secret, err
	}
	return secret, nil
}

// GenerateChatKey returns a fresh symmetric key for one chat. It is never
// derived from a handshake secret; compromise of one pairwise secret exposes
// only the wrap addressed to that pair.
func (e *Engine) GenerateChatKey() (ChatKey, error) {
	var key ChatKey
	if _, err := io.ReadFull(e.rand, key[:]); err != nil {
		return key, errors.Join(ErrEntropyExhausted, err)
	}
	return key, nil
}

// WrapChatKey seals the raw chat key bytes under the shared secret with a
// fresh nonce. The output is base64(nonce ‖ ciphertext), safe to place in the
// content field of a wire message.
func (e *Engine) WrapChatKey(key ChatKey, secret SharedSecret) (string, error) {
	return e.seal(secret[:], key[:])
}

// UnwrapChatKey reverses WrapChatKey. It fails with ErrDecryptionFailure when
// the framing is malformed or the tag check fails (wrong secret, corrupted
// transport, or mismatched curve parameters on the far side).
func (e *Engine) UnwrapChatKey(wrapped string, secret SharedSecret) (ChatKey, error) {
	var key ChatKey
	plain, err := open(secret[:], wrapped)
	if err != nil {
		return key, err
	}
	if len(plain) != KeyBytes {
		return key, ErrDecryptionFailure
	}
	copy(key[:], plain)
	return key, nil
}

// EncryptMessage seals a message body under the chat key, fresh nonce per
// call, same base64(nonce ‖ ciphertext) framing as the key wrap.
func (e *Engine) EncryptMessage(key ChatKey, plaintext string) (string, error) {
	return e.seal(key[:], []byte(plaintext))
}

// DecryptMessage reverses EncryptMessage. On failure it returns the input
// unchanged alongside ErrDecryptionFailure so a caller that ignores the error
// renders an unreadable payload instead of crashing the session.
func (e *Engine) DecryptMessage(key ChatKey, combined string) (string, error) {
	plain, err := open(key[:], combined)
	if err != nil {
		return combined, err
	}
	return string(plain), nil
}

func (e *Engine) seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return "", errors.Join(ErrEntropyExhausted, err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, combined string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(combined)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrDecryptionFailure
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plain, nil
}

// EncodePublicKey returns the transport encoding of a public key.
func EncodePublicKey(pub [KeyBytes]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// DecodePublicKey parses the transport encoding produced by EncodePublicKey.
func DecodePublicKey(s string) ([KeyBytes]byte, error) {
	var pub [KeyBytes]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, err
	}
	if len(raw) != KeyBytes {
		return pub, errors.New("public key must be 32 bytes")
	}
	copy(pub[:], raw)
	return pub, nil
}

// clamp per RFC 7748.
func clamp(k *[KeyBytes]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
