// RELAY - Federated Secure Message Relay
// Copyright (C) 2025 RELAY-X-project
//
// This file is part of RELAY.
//
// RELAY is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// RELAY is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with RELAY. If not, see <https://www.gnu.org/licenses/>.

// Package hybrid encrypts task bodies to a set of recipients: the payload is
// sealed once under a fresh content key, and the content key is wrapped per
// recipient with HPKE (X25519-HKDF-SHA256, ChaCha20-Poly1305). The broker
// never touches this layer; it runs in proxies on both ends.
package hybrid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	kemID  = hpke.KEM_X25519_HKDF_SHA256
	kdfID  = hpke.KDF_HKDF_SHA256
	aeadID = hpke.AEAD_ChaCha20Poly1305
)

// contextInfo binds the HPKE context to this protocol.
var contextInfo = []byte("relay/v1 task body key wrap")

// GenerateKeyPair creates a recipient KEM key pair.
func GenerateKeyPair() (kem.PublicKey, kem.PrivateKey, error) {
	return kemID.Scheme().GenerateKeyPair()
}

// MarshalPublicKey renders a recipient public key for distribution.
func MarshalPublicKey(pub kem.PublicKey) (string, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParsePublicKey reads a distributed recipient public key.
func ParsePublicKey(encoded string) (kem.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := kemID.Scheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// Recipient is one addressee of a sealed body.
type Recipient struct {
	ID  string
	Pub kem.PublicKey
}

// wrappedKey is the HPKE encapsulation plus the sealed content key for one
// recipient.
type wrappedKey struct {
	Enc string `json:"enc"`
	Key string `json:"key"`
}

// sealedBody is the wire form of an encrypted task body.
type sealedBody struct {
	Keys       map[string]wrappedKey `json:"keys"`
	Nonce      string                `json:"nonce"`
	Ciphertext string                `json:"ciphertext"`
}

// Seal encrypts plaintext to every recipient and returns the opaque body
// string carried in the task envelope.
func Seal(plaintext []byte, recipients []Recipient) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("recipient set must not be empty")
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return "", fmt.Errorf("generate content key: %w", err)
	}
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	body := sealedBody{
		Keys:       make(map[string]wrappedKey, len(recipients)),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}

	suite := hpke.NewSuite(kemID, kdfID, aeadID)
	for _, rcpt := range recipients {
		sender, err := suite.NewSender(rcpt.Pub, contextInfo)
		if err != nil {
			return "", fmt.Errorf("hpke sender for %s: %w", rcpt.ID, err)
		}
		enc, sealer, err := sender.Setup(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("hpke setup for %s: %w", rcpt.ID, err)
		}
		wrapped, err := sealer.Seal(contentKey, []byte(rcpt.ID))
		if err != nil {
			return "", fmt.Errorf("wrap key for %s: %w", rcpt.ID, err)
		}
		body.Keys[rcpt.ID] = wrappedKey{
			Enc: base64.StdEncoding.EncodeToString(enc),
			Key: base64.StdEncoding.EncodeToString(wrapped),
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal sealed body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open decrypts a sealed body addressed to id with the matching private key.
func Open(encoded, id string, priv kem.PrivateKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	var body sealedBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parse sealed body: %w", err)
	}
	wrapped, ok := body.Keys[id]
	if !ok {
		return nil, fmt.Errorf("body is not addressed to %s", id)
	}
	enc, err := base64.StdEncoding.DecodeString(wrapped.Enc)
	if err != nil {
		return nil, fmt.Errorf("decode encapsulation: %w", err)
	}
	sealedKey, err := base64.StdEncoding.DecodeString(wrapped.Key)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}

	suite := hpke.NewSuite(kemID, kdfID, aeadID)
	receiver, err := suite.NewReceiver(priv, contextInfo)
	if err != nil {
		return nil, fmt.Errorf("hpke receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("hpke receiver setup: %w", err)
	}
	contentKey, err := opener.Open(sealedKey, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}

	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(body.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt body: %w", err)
	}
	return plaintext, nil
}
