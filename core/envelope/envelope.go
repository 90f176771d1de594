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

// Package envelope defines the signed and encrypted message shapes that the
// relay routes. The broker treats every body as ciphertext; only the
// addressing metadata in this package is meaningful to it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relay-x-project/relay/core/identity"
)

// MsgID uniquely names a task or socket request while it is live.
type MsgID = uuid.UUID

// NewMsgID returns a fresh random message id.
func NewMsgID() MsgID { return uuid.New() }

// HasWaitID is the deduplication contract used when merging broadcast items
// into a waiter's buffer.
type HasWaitID interface {
	WaitID() MsgID
}

// Message is the addressing contract every routable message fulfills.
type Message interface {
	HasWaitID
	Sender() identity.AppOrProxyID
	Recipients() []identity.AppOrProxyID
}

// Signed wraps a message whose signature token has already been verified.
//
// Values of this type are produced by msgjwt verification (or by test
// constructors); holding one means the signature was checked and From
// matches the signing key's subject. The wrapped message is immutable with
// one exception: result attachment on task envelopes, which happens under
// the exchange's write lock.
type Signed[T Message] struct {
	Msg T      `json:"msg"`
	Sig string `json:"sig"`

	from identity.AppOrProxyID
}

// NewSigned builds a verified envelope. Callers outside msgjwt should only
// use this in tests.
func NewSigned[T Message](msg T, sig string, from identity.AppOrProxyID) *Signed[T] {
	return &Signed[T]{Msg: msg, Sig: sig, from: from}
}

// From returns the verified sender identity cached from the signature token.
func (s *Signed[T]) From() identity.AppOrProxyID { return s.from }

// WithMsg returns a copy of the envelope around a replacement payload,
// preserving signature and verified sender. Used for snapshot cloning.
func (s *Signed[T]) WithMsg(msg T) *Signed[T] {
	return &Signed[T]{Msg: msg, Sig: s.Sig, from: s.from}
}

// WaitID implements HasWaitID by delegating to the wrapped message.
func (s *Signed[T]) WaitID() MsgID { return s.Msg.WaitID() }

// Sender delegates to the wrapped message.
func (s *Signed[T]) Sender() identity.AppOrProxyID { return s.Msg.Sender() }

// Recipients delegates to the wrapped message.
func (s *Signed[T]) Recipients() []identity.AppOrProxyID { return s.Msg.Recipients() }

// TaskRequest is an encrypted compute task posted by an issuer and addressed
// to one or more recipient apps. Results accumulate in Results, keyed by the
// responding worker.
type TaskRequest struct {
	ID        MsgID                   `json:"id"`
	From      identity.AppOrProxyID   `json:"from"`
	To        []identity.AppOrProxyID `json:"to"`
	TTL       Duration                `json:"ttl"`
	CreatedAt time.Time               `json:"created_at"`
	Metadata  json.RawMessage         `json:"metadata,omitempty"`
	Body      string                  `json:"body"`
	Failure   FailureStrategy         `json:"failure_strategy"`

	// Results maps worker id to that worker's latest signed result. Mutated
	// only by the exchange while holding its write lock.
	Results map[string]*Signed[*TaskResult] `json:"results"`
}

func (t *TaskRequest) WaitID() MsgID                       { return t.ID }
func (t *TaskRequest) Sender() identity.AppOrProxyID       { return t.From }
func (t *TaskRequest) Recipients() []identity.AppOrProxyID { return t.To }

// ExpiresAt derives the eviction deadline from creation time and TTL.
func (t *TaskRequest) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TTL))
}

// ResultMap exposes the mutable result aggregation, lazily initialized.
// Callers must hold the owning exchange's write lock.
func (t *TaskRequest) ResultMap() map[string]*Signed[*TaskResult] {
	if t.Results == nil {
		t.Results = make(map[string]*Signed[*TaskResult])
	}
	return t.Results
}

// Clone copies the task with its own result map. The signed results behind
// the map are immutable and shared.
func (t *TaskRequest) Clone() *TaskRequest {
	c := *t
	c.To = append([]identity.AppOrProxyID(nil), t.To...)
	c.Results = make(map[string]*Signed[*TaskResult], len(t.Results))
	for k, v := range t.Results {
		c.Results[k] = v
	}
	return &c
}

// ResultCarrier marks payloads that aggregate per-worker results.
type ResultCarrier interface {
	ResultMap() map[string]*Signed[*TaskResult]
}

// Validate checks the well-formedness rules that hold for every task.
func (t *TaskRequest) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("task id must not be nil")
	}
	if !t.From.IsValid() {
		return fmt.Errorf("task %s: missing sender", t.ID)
	}
	if len(t.To) == 0 {
		return fmt.Errorf("task %s: recipient set must not be empty", t.ID)
	}
	if t.TTL <= 0 {
		return fmt.Errorf("task %s: ttl must be positive", t.ID)
	}
	return nil
}

// TaskResult is one recipient's reply to a task.
type TaskResult struct {
	From     identity.AppOrProxyID   `json:"from"`
	To       []identity.AppOrProxyID `json:"to"`
	Task     MsgID                   `json:"task"`
	Status   WorkStatus              `json:"status"`
	Metadata json.RawMessage         `json:"metadata,omitempty"`
	Body     *string                 `json:"body,omitempty"`
}

// WaitID of a result is its worker-scoped dedup key: the task id is shared by
// all results of a task, so deduplication keys on the sender instead. Results
// from the same worker replace each other in a waiter's buffer.
func (r *TaskResult) WaitID() MsgID {
	// Fold the sender into a stable 128-bit key within the task's space.
	return uuid.NewSHA1(r.Task, []byte(r.From.String()))
}

func (r *TaskResult) Sender() identity.AppOrProxyID       { return r.From }
func (r *TaskResult) Recipients() []identity.AppOrProxyID { return r.To }

// SocketRequest shares the task shell but carries no result aggregation; its
// payload is a short bootstrap blob for the tunnel handshake.
type SocketRequest struct {
	ID        MsgID                   `json:"id"`
	From      identity.AppOrProxyID   `json:"from"`
	To        []identity.AppOrProxyID `json:"to"`
	TTL       Duration                `json:"ttl"`
	CreatedAt time.Time               `json:"created_at"`
	Secret    string                  `json:"secret"`
}

func (s *SocketRequest) WaitID() MsgID                       { return s.ID }
func (s *SocketRequest) Sender() identity.AppOrProxyID       { return s.From }
func (s *SocketRequest) Recipients() []identity.AppOrProxyID { return s.To }

func (s *SocketRequest) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTL))
}

// Clone copies the request.
func (s *SocketRequest) Clone() *SocketRequest {
	c := *s
	c.To = append([]identity.AppOrProxyID(nil), s.To...)
	return &c
}

func (s *SocketRequest) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("socket request id must not be nil")
	}
	if !s.From.IsValid() {
		return fmt.Errorf("socket request %s: missing sender", s.ID)
	}
	if len(s.To) == 0 {
		return fmt.Errorf("socket request %s: recipient set must not be empty", s.ID)
	}
	if s.TTL <= 0 {
		return fmt.Errorf("socket request %s: ttl must be positive", s.ID)
	}
	return nil
}

// Empty is the bodyless message used to authenticate GET requests.
type Empty struct {
	From identity.AppOrProxyID `json:"from"`
}

func (e *Empty) WaitID() MsgID                       { return uuid.Nil }
func (e *Empty) Sender() identity.AppOrProxyID       { return e.From }
func (e *Empty) Recipients() []identity.AppOrProxyID { return nil }

// Duration marshals as integer seconds on the wire.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(d) / time.Second))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("ttl must be integer seconds: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}
