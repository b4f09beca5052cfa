// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedSecretCommutes(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	alice, err := engine.GenerateKeyPair()
	req.NoError(err)
	bob, err := engine.GenerateKeyPair()
	req.NoError(err)

	aliceSecret, err := engine.DeriveSharedSecret(alice, bob.Public)
	req.NoError(err)
	bobSecret, err := engine.DeriveSharedSecret(bob, alice.Public)
	req.NoError(err)

	req.Equal(aliceSecret, bobSecret)
}

func TestWrapUnwrapChatKey(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	alice, err := engine.GenerateKeyPair()
	req.NoError(err)
	bob, err := engine.GenerateKeyPair()
	req.NoError(err)
	secret, err := engine.DeriveSharedSecret(alice, bob.Public)
	req.NoError(err)

	chatKey, err := engine.GenerateChatKey()
	req.NoError(err)

	wrapped, err := engine.WrapChatKey(chatKey, secret)
	req.NoError(err)

	// The wrap must be base64-safe for the wire content field.
	req.NotContains(wrapped, "\n")

	bobSecret, err := engine.DeriveSharedSecret(bob, alice.Public)
	req.NoError(err)
	unwrapped, err := engine.UnwrapChatKey(wrapped, bobSecret)
	req.NoError(err)
	req.Equal(chatKey, unwrapped)
}

func TestUnwrapWithWrongSecretFails(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	alice, err := engine.GenerateKeyPair()
	req.NoError(err)
	bob, err := engine.GenerateKeyPair()
	req.NoError(err)
	mallory, err := engine.GenerateKeyPair()
	req.NoError(err)

	secret, err := engine.DeriveSharedSecret(alice, bob.Public)
	req.NoError(err)
	wrongSecret, err := engine.DeriveSharedSecret(mallory, bob.Public)
	req.NoError(err)

	chatKey, err := engine.GenerateChatKey()
	req.NoError(err)
	wrapped, err := engine.WrapChatKey(chatKey, secret)
	req.NoError(err)

	_, err = engine.UnwrapChatKey(wrapped, wrongSecret)
	req.ErrorIs(err, ErrDecryptionFailure)
}

func TestMessageRoundTrip(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	key, err := engine.GenerateChatKey()
	req.NoError(err)

	for _, plaintext := range []string{"", "hi", "héllo wörld", strings.Repeat("x", 4096)} {
		combined, err := engine.EncryptMessage(key, plaintext)
		req.NoError(err)
		req.NotEqual(plaintext, combined)

		out, err := engine.DecryptMessage(key, combined)
		req.NoError(err)
		req.Equal(plaintext, out)
	}
}

func TestFreshNoncePerEncryption(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	key, err := engine.GenerateChatKey()
	req.NoError(err)

	first, err := engine.EncryptMessage(key, "same plaintext")
	req.NoError(err)
	second, err := engine.EncryptMessage(key, "same plaintext")
	req.NoError(err)
	req.NotEqual(first, second)
}

func TestDecryptFailureReturnsInputUnchanged(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	key, err := engine.GenerateChatKey()
	req.NoError(err)
	otherKey, err := engine.GenerateChatKey()
	req.NoError(err)

	combined, err := engine.EncryptMessage(key, "secret")
	req.NoError(err)

	// Wrong key: distinguishable failure, never the wrong plaintext.
	out, err := engine.DecryptMessage(otherKey, combined)
	req.ErrorIs(err, ErrDecryptionFailure)
	req.Equal(combined, out)

	// Malformed framing behaves the same as a tag mismatch.
	for _, garbage := range []string{"", "not base64!!", "aGk="} {
		out, err := engine.DecryptMessage(key, garbage)
		req.ErrorIs(err, ErrDecryptionFailure)
		req.Equal(garbage, out)
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	req := require.New(t)
	engine := NewEngine()

	kp, err := engine.GenerateKeyPair()
	req.NoError(err)

	decoded, err := DecodePublicKey(EncodePublicKey(kp.Public))
	req.NoError(err)
	req.Equal(kp.Public, decoded)

	_, err = DecodePublicKey("dG9vIHNob3J0")
	req.Error(err)
}

// failingReader simulates entropy exhaustion.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("rng down") }

func TestEntropyExhaustionIsFatal(t *testing.T) {
	req := require.New(t)
	engine := NewEngineWithRand(failingReader{})

	_, err := engine.GenerateKeyPair()
	req.ErrorIs(err, ErrEntropyExhausted)

	_, err = engine.GenerateChatKey()
	req.ErrorIs(err, ErrEntropyExhausted)
}
