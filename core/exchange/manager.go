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

// Package exchange implements the broker's in-memory task exchange: the
// concurrent task registry, its broadcast fabric, the long-poll waiter
// primitive and the expiry sweeper.
//
// The same generic Manager serves both the compute-task flow (results
// accumulate per worker) and the socket flow (a single rendezvous, no
// results); the payload decides which capabilities are live.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/internal/logger"
)

// Broadcast capacities. New-task and deletion channels are process-global
// and sized for the maximum number of concurrent listers; the per-task
// result channel is sized for a task's recipient fan-out.
const (
	newTaskCapacity   = 512
	deletedCapacity   = 512
	newResultCapacity = 256
)

// Payload is what the exchange requires of a stored message: addressing,
// an eviction deadline, well-formedness and snapshot cloning. Compute-task
// payloads additionally implement envelope.ResultCarrier.
type Payload[P any] interface {
	envelope.Message
	ExpiresAt() time.Time
	Validate() error
	Clone() P
}

// Manager owns the mapping from message id to stored signed task and the
// notification fabric around it. One reader/writer lock guards the map; the
// per-task result channel lives inside the task entry, so a live task always
// has a sender.
type Manager[P Payload[P]] struct {
	mu      sync.RWMutex
	entries map[envelope.MsgID]*entry[P]

	newTasks *Broadcaster[*envelope.Signed[P]]
	deleted  *Broadcaster[envelope.MsgID]

	log logger.Logger
}

type entry[P Payload[P]] struct {
	env *envelope.Signed[P]
	// resultTx is nil for payloads that do not carry results.
	resultTx *Broadcaster[*envelope.Signed[*envelope.TaskResult]]
}

// NewManager returns an empty exchange.
func NewManager[P Payload[P]](log logger.Logger) *Manager[P] {
	return &Manager[P]{
		entries:  make(map[envelope.MsgID]*entry[P]),
		newTasks: NewBroadcaster[*envelope.Signed[P]](newTaskCapacity),
		deleted:  NewBroadcaster[envelope.MsgID](deletedCapacity),
		log:      log,
	}
}

// Insert stores a new task and broadcasts it to listers. The broadcast is
// published while the write lock is held, so a subscriber registered after
// Insert returns can never have missed the task it snapshots.
func (m *Manager[P]) Insert(env *envelope.Signed[P]) error {
	if err := env.Msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	id := env.WaitID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.entries[id]; taken {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	e := &entry[P]{env: env}
	if carrier, carries := any(env.Msg).(envelope.ResultCarrier); carries {
		// Materialize the result map now, so later readers never mutate
		// the entry under a read lock.
		carrier.ResultMap()
		e.resultTx = NewBroadcaster[*envelope.Signed[*envelope.TaskResult]](newResultCapacity)
	}
	m.entries[id] = e
	// Subscribers get their own clone; the stored entry keeps accumulating
	// results after the send.
	if n := m.newTasks.Send(env.WithMsg(env.Msg.Clone())); n == 0 {
		m.log.Debug("no listers for new task", logger.String("task", id.String()))
	}
	return nil
}

// Get returns a consistent snapshot of the task.
func (m *Manager[P]) Get(id envelope.MsgID) (*envelope.Signed[P], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.env.WithMsg(e.env.Msg.Clone()), nil
}

// Remove drops the task and broadcasts its deletion. The per-task result
// channel becomes unreachable with the entry; blocked result waiters end via
// the deletion broadcast.
func (m *Manager[P]) Remove(id envelope.MsgID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.entries, id)
	m.deleted.Send(id)
	return nil
}

// PutResult inserts or replaces the result of one worker on the given task.
// It reports whether the result was newly created. The result broadcast is
// published while the write lock is still held: releasing first would let a
// concurrent reader snapshot without the result and subscribe after the
// send, losing it.
func (m *Manager[P]) PutResult(taskID envelope.MsgID, res *envelope.Signed[*envelope.TaskResult]) (created bool, err error) {
	if res.Msg.Task != taskID {
		return false, fmt.Errorf("%w: task ids in path and payload do not match", ErrBadRequest)
	}
	worker := res.Msg.From

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	carrier, ok := any(e.env.Msg).(envelope.ResultCarrier)
	if !ok {
		return false, fmt.Errorf("%w: task does not take results", ErrBadRequest)
	}
	if !identity.ContainsID(e.env.Msg.Recipients(), worker) {
		return false, fmt.Errorf("%w: your result is not requested for this task", ErrUnauthorized)
	}

	results := carrier.ResultMap()
	_, existed := results[worker.String()]
	results[worker.String()] = res

	if n := e.resultTx.Send(res); n == 0 {
		m.log.Debug("no waiters for result",
			logger.String("task", taskID.String()),
			logger.String("worker", worker.String()))
	}
	return !existed, nil
}

// SubscribeNew returns a receiver of future task insertions.
func (m *Manager[P]) SubscribeNew() *Subscription[*envelope.Signed[P]] {
	return m.newTasks.Subscribe()
}

// SubscribeDeleted returns a receiver of future deletions.
func (m *Manager[P]) SubscribeDeleted() *Subscription[envelope.MsgID] {
	return m.deleted.Subscribe()
}

// Snapshot returns clones of all tasks matching filter, plus subscriptions
// to new tasks and deletions taken under the same read lock. That ordering
// is what guarantees a lister sees every task: one inserted before the
// snapshot is in the snapshot, one inserted after is on the subscription.
func (m *Manager[P]) Snapshot(filter func(*envelope.Signed[P]) bool) (
	[]*envelope.Signed[P],
	*Subscription[*envelope.Signed[P]],
	*Subscription[envelope.MsgID],
) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*envelope.Signed[P]
	for _, e := range m.entries {
		if filter == nil || filter(e.env) {
			out = append(out, e.env.WithMsg(e.env.Msg.Clone()))
		}
	}
	return out, m.newTasks.Subscribe(), m.deleted.Subscribe()
}

// ResultSet is the consistent view a result waiter starts from: the issuer,
// the current results and subscriptions taken under one read lock.
type ResultSet struct {
	Issuer  identity.AppOrProxyID
	Results []*envelope.Signed[*envelope.TaskResult]
	NewSub  *Subscription[*envelope.Signed[*envelope.TaskResult]]
	DelSub  *Subscription[envelope.MsgID]
}

// OpenResults authorizes requester as the task's issuer and returns the
// result snapshot plus subscriptions, all under one read lock.
func (m *Manager[P]) OpenResults(taskID envelope.MsgID, requester identity.AppOrProxyID) (*ResultSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if !e.env.Msg.Sender().Equal(requester) {
		return nil, fmt.Errorf("%w: not your task", ErrUnauthorized)
	}
	carrier, ok := any(e.env.Msg).(envelope.ResultCarrier)
	if !ok {
		return nil, fmt.Errorf("%w: task does not take results", ErrBadRequest)
	}
	set := &ResultSet{Issuer: e.env.Msg.Sender()}
	for _, res := range carrier.ResultMap() {
		set.Results = append(set.Results, res)
	}
	set.NewSub = e.resultTx.Subscribe()
	set.DelSub = m.deleted.Subscribe()
	return set, nil
}

// WaitForTasks is the listing long-poll: snapshot plus blocking collection
// of newly matching tasks until the block spec is satisfied.
func (m *Manager[P]) WaitForTasks(ctx context.Context, block envelope.BlockSpec, filter func(*envelope.Signed[P]) bool) ([]*envelope.Signed[P], error) {
	initial, newSub, delSub := m.Snapshot(filter)
	defer newSub.Cancel()
	defer delSub.Cancel()
	return Await(ctx, initial, block, newSub, delSub, filter, nil, nil)
}

// Len returns the number of live tasks.
func (m *Manager[P]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// expired collects ids whose deadline has passed, and the soonest deadline
// among the remaining, under a read lock.
func (m *Manager[P]) expired(now time.Time) (ids []envelope.MsgID, next time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range m.entries {
		deadline := e.env.Msg.ExpiresAt()
		if !deadline.After(now) {
			ids = append(ids, id)
			continue
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	return ids, next
}
