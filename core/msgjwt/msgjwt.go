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

// Package msgjwt implements the SamplyJWT wire format: every request body is
// a JWT wrapping a message, and every request carries an extended-signature
// JWT in the Authorization header that covers method, URI, Date header, a
// digest of the body JWT's signature segment and the asserted sender.
//
// Proxies hold Ed25519 signing keys; the broker resolves their public keys
// through a KeyStore (the certificate-store collaborator). An app id is
// covered by its proxy's key; a proxy id by its own.
package msgjwt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/identity"
)

// AuthScheme is the Authorization scheme carrying the extended signature.
const AuthScheme = "SamplyJWT"

// ContentType is the media type of request bodies that carry envelopes.
const ContentType = "application/jwt"

// KeyStore resolves a proxy's public signing key. It stands in for the
// certificate chain collaborator; implementations must only return keys
// whose chain has been validated out of band.
type KeyStore interface {
	PublicKey(proxy identity.ProxyID) (ed25519.PublicKey, error)
}

// envelopeClaims is the payload of a body JWT.
type envelopeClaims struct {
	jwt.RegisteredClaims
	From string          `json:"from"`
	Msg  json.RawMessage `json:"msg"`
}

// extendedClaims is the payload of the Authorization JWT.
type extendedClaims struct {
	jwt.RegisteredClaims
	From   string `json:"from"`
	Method string `json:"method"`
	URI    string `json:"uri"`
	Date   string `json:"date"`
	Digest string `json:"digest"`
}

// Verifier validates envelope and extended-signature JWTs for one broker.
type Verifier struct {
	broker identity.BrokerID
	keys   KeyStore
}

// NewVerifier builds a verifier rooted at broker, resolving keys from keys.
func NewVerifier(broker identity.BrokerID, keys KeyStore) *Verifier {
	return &Verifier{broker: broker, keys: keys}
}

// Broker returns the broker id this verifier is rooted at.
func (v *Verifier) Broker() identity.BrokerID { return v.broker }

// parse runs the JWT machinery with key resolution keyed off the claimed
// sender and returns the verified sender identity.
func (v *Verifier) parse(token string, claims jwt.Claims, claimedFrom func() string) (identity.AppOrProxyID, error) {
	var from identity.AppOrProxyID
	keyfunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing algorithm %q", t.Method.Alg())
		}
		id, err := identity.ParseAppOrProxyID(claimedFrom(), v.broker)
		if err != nil {
			return nil, fmt.Errorf("invalid from claim: %w", err)
		}
		from = id
		key, err := v.keys.PublicKey(id.Proxy())
		if err != nil {
			return nil, fmt.Errorf("no key for proxy %s: %w", id.Proxy(), err)
		}
		return key, nil
	}
	if _, err := jwt.ParseWithClaims(token, claims, keyfunc, jwt.WithValidMethods([]string{"EdDSA"})); err != nil {
		return identity.AppOrProxyID{}, fmt.Errorf("token verification failed: %w", err)
	}
	return from, nil
}

// VerifyEnvelope checks a body JWT and returns the signed message it wraps.
// On success the envelope's From is the verified sender, and the embedded
// message's own from field has been checked against it.
func VerifyEnvelope[T any, PT interface {
	*T
	envelope.Message
}](v *Verifier, token string) (*envelope.Signed[PT], error) {
	claims := &envelopeClaims{}
	from, err := v.parse(token, claims, func() string { return claims.From })
	if err != nil {
		return nil, err
	}
	msg := PT(new(T))
	if err := json.Unmarshal(claims.Msg, msg); err != nil {
		return nil, fmt.Errorf("envelope payload does not decode: %w", err)
	}
	if !msg.Sender().Equal(from) {
		return nil, fmt.Errorf("message from %s does not match token subject %s", msg.Sender(), from)
	}
	return envelope.NewSigned(msg, token, from), nil
}

// AuthenticateRequest validates the extended signature of r against the raw
// body JWT (empty string for bodyless requests) and returns the verified
// sender. The extended signature must cover the method, the request URI, the
// Date header and the digest of the body JWT's signature segment; any
// mismatch fails verification.
func (v *Verifier) AuthenticateRequest(r *http.Request, bodyJWT string) (identity.AppOrProxyID, error) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || scheme != AuthScheme {
		return identity.AppOrProxyID{}, fmt.Errorf("missing or malformed Authorization header")
	}
	claims := &extendedClaims{}
	from, err := v.parse(token, claims, func() string { return claims.From })
	if err != nil {
		return identity.AppOrProxyID{}, err
	}

	if claims.Method != r.Method {
		return identity.AppOrProxyID{}, fmt.Errorf("signature covers method %q, request is %q", claims.Method, r.Method)
	}
	if claims.URI != r.URL.RequestURI() {
		return identity.AppOrProxyID{}, fmt.Errorf("signature covers uri %q, request is %q", claims.URI, r.URL.RequestURI())
	}
	if claims.Date != r.Header.Get("Date") {
		return identity.AppOrProxyID{}, fmt.Errorf("signature does not cover the request date")
	}
	want := BodyDigest(bodyJWT)
	if subtle.ConstantTimeCompare([]byte(claims.Digest), []byte(want)) != 1 {
		return identity.AppOrProxyID{}, fmt.Errorf("signature does not cover the request body")
	}
	return from, nil
}

// BodyDigest computes the digest the extended signature commits to: the
// SHA-256 of the body JWT's signature segment, base64url encoded. An empty
// body digests the empty string.
func BodyDigest(bodyJWT string) string {
	seg := bodyJWT
	if idx := strings.LastIndexByte(bodyJWT, '.'); idx >= 0 {
		seg = bodyJWT[idx+1:]
	}
	sum := sha256.Sum256([]byte(seg))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Signer produces envelope and extended-signature JWTs on behalf of one
// sender. Proxies sign for their local apps with the proxy key.
type Signer struct {
	id  identity.AppOrProxyID
	key ed25519.PrivateKey
}

// NewSigner builds a signer asserting id, signing with the proxy key.
func NewSigner(id identity.AppOrProxyID, key ed25519.PrivateKey) *Signer {
	return &Signer{id: id, key: key}
}

// ID returns the identity the signer asserts.
func (s *Signer) ID() identity.AppOrProxyID { return s.id }

// SignEnvelope wraps msg in a signed body JWT.
func (s *Signer) SignEnvelope(msg envelope.Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	claims := &envelopeClaims{From: s.id.String(), Msg: raw}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign envelope: %w", err)
	}
	return token, nil
}

// SignRequest computes the extended signature for r with the given body JWT
// and sets the Authorization and Date headers. The Date header is set first
// so the signature covers what is sent.
func (s *Signer) SignRequest(r *http.Request, bodyJWT string) error {
	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", httpDate())
	}
	claims := &extendedClaims{
		From:   s.id.String(),
		Method: r.Method,
		URI:    r.URL.RequestURI(),
		Date:   r.Header.Get("Date"),
		Digest: BodyDigest(bodyJWT),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	r.Header.Set("Authorization", AuthScheme+" "+token)
	if bodyJWT != "" {
		r.Header.Set("Content-Type", ContentType)
	}
	return nil
}
