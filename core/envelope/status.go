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
	"encoding/json"
	"fmt"
)

// WorkStatus is a worker's progress report on a task.
type WorkStatus string

const (
	StatusClaimed    WorkStatus = "claimed"
	StatusTempFailed WorkStatus = "tempfailed"
	StatusPermFailed WorkStatus = "permfailed"
	StatusSucceeded  WorkStatus = "succeeded"
)

// Closed reports whether the status terminates work on the task for this
// worker. The closed set {succeeded, permfailed} is part of the todo-filter
// contract; extending WorkStatus requires an explicit membership decision.
func (s WorkStatus) Closed() bool {
	return s == StatusSucceeded || s == StatusPermFailed
}

// Valid reports whether s is a known status.
func (s WorkStatus) Valid() bool {
	switch s {
	case StatusClaimed, StatusTempFailed, StatusPermFailed, StatusSucceeded:
		return true
	}
	return false
}

func (s *WorkStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := WorkStatus(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown work status %q", raw)
	}
	*s = v
	return nil
}

// FailureStrategy tells recipients what the issuer wants on failure. The
// broker carries it opaquely; retry policy is enforced at the edges.
type FailureStrategy struct {
	Kind    FailureKind `json:"kind"`
	Backoff int64       `json:"backoff_millisecs,omitempty"`
	Tries   int         `json:"max_tries,omitempty"`
}

type FailureKind string

const (
	FailureDiscard FailureKind = "discard"
	FailureRetry   FailureKind = "retry"
)

// Discard is the default strategy.
func Discard() FailureStrategy {
	return FailureStrategy{Kind: FailureDiscard}
}

// Retry asks recipients to retry with the given backoff.
func Retry(backoffMillis int64, maxTries int) FailureStrategy {
	return FailureStrategy{Kind: FailureRetry, Backoff: backoffMillis, Tries: maxTries}
}
