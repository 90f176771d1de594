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

package broker

import (
	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/identity"
)

// filterMode selects how from/to conditions combine.
type filterMode int

const (
	filterOr filterMode = iota
	filterAnd
)

// msgFilter matches messages by issuer and recipient set.
type msgFilter struct {
	from *identity.AppOrProxyID
	to   *identity.AppOrProxyID
	mode filterMode
}

// matches reports whether msg passes the from/to conditions. With neither
// condition set everything matches.
func (f msgFilter) matches(msg envelope.Message) bool {
	if f.from == nil && f.to == nil {
		return true
	}
	fromHit := f.from != nil && msg.Sender().Equal(*f.from)
	toHit := f.to != nil && identity.ContainsID(msg.Recipients(), *f.to)
	if f.mode == filterAnd {
		if f.from != nil && !fromHit {
			return false
		}
		if f.to != nil && !toHit {
			return false
		}
		return true
	}
	return fromHit || toHit
}

// taskFilter is msgFilter extended with the todo criterion: only tasks that
// the given worker has not yet closed out. The closed set is
// envelope.WorkStatus.Closed — {succeeded, permfailed}.
type taskFilter struct {
	msgFilter
	unansweredBy *identity.AppOrProxyID
}

func (f taskFilter) matches(env *envelope.Signed[*envelope.TaskRequest]) bool {
	return f.msgFilter.matches(env.Msg) && f.unanswered(env.Msg)
}

func (f taskFilter) unanswered(task *envelope.TaskRequest) bool {
	if f.unansweredBy == nil {
		return true
	}
	res, ok := task.Results[f.unansweredBy.String()]
	if !ok {
		return true
	}
	return !res.Msg.Status.Closed()
}
