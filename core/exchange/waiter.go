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

import (
	"context"
	"time"

	"github.com/relay-x-project/relay/core/envelope"
)

// StreamEventKind names the mutations a streaming waiter can observe.
type StreamEventKind int

const (
	// StreamNew: a first item for its wait id entered the buffer.
	StreamNew StreamEventKind = iota
	// StreamUpdated: an item replaced a buffered one with the same wait id.
	StreamUpdated
	// StreamExpired: the deadline elapsed.
	StreamExpired
	// StreamDeleted: the watched task was removed.
	StreamDeleted
)

// StreamEvent is delivered to the emit callback of a streaming Await call.
type StreamEvent[M any] struct {
	Kind StreamEventKind
	Item M
}

// Await is the shared long-poll primitive behind every blocking GET and SSE
// stream.
//
// Starting from the pre-filtered initial snapshot, it blocks until the
// buffer reaches the block spec's count threshold or its deadline elapses,
// folding in items from newSub that pass filter. An arriving item evicts any
// buffered item with the same wait id before being appended, which is what
// makes result updates idempotent for pollers.
//
// Deletions steer two variants: with watched nil (task listing), a deletion
// removes the buffered element with that wait id; with watched set (result
// waiting), deletion of the watched id ends the wait early with
// ErrWatchedDeleted and the buffer held so far.
//
// A closed subscription channel means the waiter lagged its broadcast
// buffer; that is fatal for the request and surfaces ErrLagged.
//
// emit, when non-nil, is called for every observed mutation and terminal
// condition; long-polls pass nil.
func Await[M envelope.HasWaitID](
	ctx context.Context,
	initial []M,
	block envelope.BlockSpec,
	newSub *Subscription[M],
	delSub *Subscription[envelope.MsgID],
	filter func(M) bool,
	watched *envelope.MsgID,
	emit func(StreamEvent[M]),
) ([]M, error) {
	buf := initial
	deadline := block.Deadline(time.Now())
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for block.Target() > len(buf) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return buf, ctx.Err()

		case <-timer.C:
			if emit != nil {
				emit(StreamEvent[M]{Kind: StreamExpired})
			}
			return buf, nil

		case item, ok := <-newSub.C():
			if !ok {
				return buf, ErrLagged
			}
			if filter != nil && !filter(item) {
				continue
			}
			var replaced bool
			buf, replaced = dedupAppend(buf, item)
			if emit != nil {
				kind := StreamNew
				if replaced {
					kind = StreamUpdated
				}
				emit(StreamEvent[M]{Kind: kind, Item: item})
			}

		case id, ok := <-delSub.C():
			if !ok {
				return buf, ErrLagged
			}
			if watched != nil {
				if id == *watched {
					if emit != nil {
						emit(StreamEvent[M]{Kind: StreamDeleted})
					}
					return buf, ErrWatchedDeleted
				}
				continue
			}
			buf = dropWaitID(buf, id)
		}
	}
	return buf, nil
}

// dedupAppend appends item after evicting any buffered element sharing its
// wait id, reporting whether an eviction happened.
func dedupAppend[M envelope.HasWaitID](buf []M, item M) ([]M, bool) {
	out := dropWaitID(buf, item.WaitID())
	replaced := len(out) != len(buf)
	return append(out, item), replaced
}

func dropWaitID[M envelope.HasWaitID](buf []M, id envelope.MsgID) []M {
	out := buf[:0]
	for _, el := range buf {
		if el.WaitID() != id {
			out = append(out, el)
		}
	}
	return out
}
