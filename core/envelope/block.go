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

package envelope

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// BlockSpec controls how long a listing or result GET blocks server-side.
// At least one of the two fields must be set for a request to block; with
// neither set the request returns the current snapshot immediately.
type BlockSpec struct {
	// WaitCount is the count threshold: return as soon as the buffer holds
	// this many items.
	WaitCount *uint
	// WaitTime is the deadline: return whatever is buffered when it elapses.
	WaitTime *time.Duration
}

// ParseBlockSpec reads wait_count and wait_time from query parameters.
// wait_time accepts plain seconds ("30") or a Go duration string ("1500ms").
func ParseBlockSpec(q url.Values) (BlockSpec, error) {
	var spec BlockSpec
	if raw := q.Get("wait_count"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return BlockSpec{}, fmt.Errorf("invalid wait_count %q: %w", raw, err)
		}
		count := uint(n)
		spec.WaitCount = &count
	}
	if raw := q.Get("wait_time"); raw != "" {
		d, err := parseWait(raw)
		if err != nil {
			return BlockSpec{}, err
		}
		spec.WaitTime = &d
	}
	return spec, nil
}

func parseWait(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait_time %q", raw)
	}
	return d, nil
}

// Blocking reports whether the spec asks the server to wait at all.
func (b BlockSpec) Blocking() bool {
	return b.WaitCount != nil || b.WaitTime != nil
}

// Target is the count threshold, zero when unset.
func (b BlockSpec) Target() int {
	if b.WaitCount == nil {
		return 0
	}
	return int(*b.WaitCount)
}

// maxWait stands in for "forever"; clients are expected to pass sane
// deadlines and reconnect.
const maxWait = 365 * 24 * time.Hour

// Deadline resolves the absolute point at which waiting stops.
func (b BlockSpec) Deadline(now time.Time) time.Time {
	if b.WaitTime == nil {
		return now.Add(maxWait)
	}
	return now.Add(*b.WaitTime)
}

// StatusCode implements the partial-content rule: a buffer shorter than the
// requested count is a 206, everything else a 200.
func (b BlockSpec) StatusCode(have int) int {
	if b.Target() > have {
		return http.StatusPartialContent
	}
	return http.StatusOK
}
