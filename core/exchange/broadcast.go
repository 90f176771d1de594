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

package exchange

import "sync"

// Broadcaster fans values out to any number of subscribers, each with its own
// bounded buffer. Sends never block: a subscriber whose buffer is full has
// lagged and is dropped, which its receiver observes as a closed channel.
// Capacity must therefore be provisioned for the expected fan-out.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[*Subscription[T]]struct{}
	capacity int
}

// Subscription is one receiver of a Broadcaster. Receive from C; a closed C
// means the subscriber lagged behind capacity and was dropped.
type Subscription[T any] struct {
	ch      chan T
	b       *Broadcaster[T]
	dropped bool
}

// NewBroadcaster returns a broadcaster whose subscribers buffer up to
// capacity undelivered values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new receiver for future sends.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		ch: make(chan T, b.capacity),
		b:  b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Send delivers v to every live subscriber and reports how many received it.
// Subscribers with a full buffer are dropped. A return of zero only means
// nobody is listening.
func (b *Broadcaster[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			// Lagged beyond capacity; the closed channel is the lag signal.
			sub.dropped = true
			close(sub.ch)
			delete(b.subs, sub)
		}
	}
	return delivered
}

// Receivers returns the current subscriber count.
func (b *Broadcaster[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C is the receive side of the subscription.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Cancel detaches the subscription. Pending buffered values remain readable;
// no further values arrive. Safe to call after a lag drop.
func (s *Subscription[T]) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.dropped {
		return
	}
	delete(s.b.subs, s)
	s.dropped = true
}
