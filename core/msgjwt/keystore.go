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

package msgjwt

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/relay-x-project/relay/core/identity"
)

// MemoryKeyStore is a KeyStore over an operator-provisioned key set. The
// broker loads it from configuration at startup; tests populate it directly.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[identity.ProxyID]ed25519.PublicKey
}

// NewMemoryKeyStore returns an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[identity.ProxyID]ed25519.PublicKey)}
}

// Put registers or replaces the key of a proxy.
func (s *MemoryKeyStore) Put(proxy identity.ProxyID, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[proxy] = key
}

// PublicKey implements KeyStore.
func (s *MemoryKeyStore) PublicKey(proxy identity.ProxyID) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[proxy]
	if !ok {
		return nil, fmt.Errorf("unknown proxy %s", proxy)
	}
	return key, nil
}

// httpDate renders now in the fixed-zone format HTTP requires.
func httpDate() string {
	return time.Now().UTC().Format(http1DateFormat)
}

const http1DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
