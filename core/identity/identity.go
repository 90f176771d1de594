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

// Package identity defines the hierarchical names used by the relay network.
//
// A name is a chain of dot-joined DNS labels rooted at a broker:
//
//	broker23.example.org            broker
//	proxy42.broker23.example.org    proxy behind that broker
//	app1.proxy42.broker23.example.org  app behind that proxy
//
// Identities are value types; equality is string equality after
// normalization to lower case.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the variants of AppOrProxyID.
type Kind int

const (
	KindProxy Kind = iota + 1
	KindApp
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindApp:
		return "app"
	default:
		return "unknown"
	}
}

// BrokerID names a broker. It is fixed at startup and roots every other
// identity handled by the process.
type BrokerID string

// NewBrokerID validates s as a broker name.
func NewBrokerID(s string) (BrokerID, error) {
	s = normalize(s)
	if err := checkLabels(s); err != nil {
		return "", fmt.Errorf("invalid broker id %q: %w", s, err)
	}
	return BrokerID(s), nil
}

func (b BrokerID) String() string { return string(b) }

// ProxyID names a proxy: one label in front of its broker.
type ProxyID string

func (p ProxyID) String() string { return string(p) }

// Broker returns the broker component of the proxy id.
func (p ProxyID) Broker() BrokerID {
	_, rest, _ := strings.Cut(string(p), ".")
	return BrokerID(rest)
}

// AppID names an app: one label in front of its proxy.
type AppID string

func (a AppID) String() string { return string(a) }

// Proxy returns the proxy component of the app id.
func (a AppID) Proxy() ProxyID {
	_, rest, _ := strings.Cut(string(a), ".")
	return ProxyID(rest)
}

// AppOrProxyID is the tagged union of the two identity kinds that may issue
// or receive messages. The zero value is invalid.
type AppOrProxyID struct {
	kind Kind
	name string
}

// FromProxy wraps a proxy id.
func FromProxy(p ProxyID) AppOrProxyID {
	return AppOrProxyID{kind: KindProxy, name: string(p)}
}

// FromApp wraps an app id.
func FromApp(a AppID) AppOrProxyID {
	return AppOrProxyID{kind: KindApp, name: string(a)}
}

// ParseAppOrProxyID parses s as an app or proxy id rooted at broker. The
// number of labels in front of the broker id decides the kind: one label is
// a proxy, two labels an app.
func ParseAppOrProxyID(s string, broker BrokerID) (AppOrProxyID, error) {
	s = normalize(s)
	if err := checkLabels(s); err != nil {
		return AppOrProxyID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	suffix := "." + broker.String()
	if !strings.HasSuffix(s, suffix) {
		return AppOrProxyID{}, fmt.Errorf("id %q is not rooted at broker %q", s, broker)
	}
	head := strings.TrimSuffix(s, suffix)
	switch strings.Count(head, ".") {
	case 0:
		return AppOrProxyID{kind: KindProxy, name: s}, nil
	case 1:
		return AppOrProxyID{kind: KindApp, name: s}, nil
	default:
		return AppOrProxyID{}, fmt.Errorf("id %q has too many labels in front of broker %q", s, broker)
	}
}

// Kind reports whether the id names an app or a proxy.
func (id AppOrProxyID) Kind() Kind { return id.kind }

// IsValid reports whether the id was built by a constructor.
func (id AppOrProxyID) IsValid() bool { return id.kind != 0 && id.name != "" }

func (id AppOrProxyID) String() string { return id.name }

// Proxy returns the proxy component: the id itself for proxies, the owning
// proxy for apps.
func (id AppOrProxyID) Proxy() ProxyID {
	if id.kind == KindApp {
		return AppID(id.name).Proxy()
	}
	return ProxyID(id.name)
}

// Equal is string equality; both sides are normalized at construction.
func (id AppOrProxyID) Equal(other AppOrProxyID) bool {
	return id.name == other.name
}

// MarshalJSON renders the id as its dotted string form.
func (id AppOrProxyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.name)
}

// UnmarshalJSON accepts the dotted string form. Only label syntax is checked;
// the kind is not derived (it reports as unknown), so callers that know the
// broker should re-validate with ParseAppOrProxyID.
func (id *AppOrProxyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = normalize(s)
	if err := checkLabels(s); err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	id.name = s
	// Without the broker context the kind cannot be derived here; mark the
	// value as an app-or-proxy of unknown depth and let the boundary decide.
	id.kind = kindFromWire
	return nil
}

// kindFromWire marks ids decoded from JSON before boundary validation.
const kindFromWire = Kind(0x7f)

// ContainsID reports whether ids contains want.
func ContainsID(ids []AppOrProxyID, want AppOrProxyID) bool {
	for _, id := range ids {
		if id.Equal(want) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// checkLabels enforces dot-joined DNS-label syntax.
func checkLabels(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return fmt.Errorf("empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("label %q longer than 63 characters", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
				continue
			}
			return fmt.Errorf("label %q contains invalid character %q", label, c)
		}
	}
	return nil
}
