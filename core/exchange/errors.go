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

import "errors"

var (
	// ErrConflict means a task with the same id is already live.
	ErrConflict = errors.New("id is already taken")
	// ErrNotFound means no live task has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrUnauthorized means the caller is not part of the task's recipient
	// or issuer set for the attempted operation.
	ErrUnauthorized = errors.New("not authorized for this task")
	// ErrBadRequest means the request contradicts the task it addresses.
	ErrBadRequest = errors.New("request does not match task")
	// ErrLagged means a waiter fell behind its broadcast buffer and lost
	// events; the affected request is unrecoverable and should be retried
	// by the client.
	ErrLagged = errors.New("subscriber lagged behind broadcast capacity")
	// ErrWatchedDeleted reports that the watched task was removed while a
	// waiter was blocked on its results. The partial buffer is still valid.
	ErrWatchedDeleted = errors.New("watched task was deleted")
)
