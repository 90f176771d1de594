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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/exchange"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/internal/metrics"
)

// SSE event names of the result stream. Clients ignore unknown names.
const (
	eventNewResult     = "new_result"
	eventUpdatedResult = "updated_result"
	eventWaitExpired   = "wait_expired"
	eventDeletedTask   = "deleted_task"
	eventError         = "error"
)

// sseWriter frames server-sent events over a flushed response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	log     logger.Logger
}

func newSSEWriter(w http.ResponseWriter, log logger.Logger) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	// Send the headers now so the client sees the open stream before the
	// first event.
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, log: log}, true
}

// event writes one named event with raw data.
func (s *sseWriter) event(name, data string) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

// jsonEvent serializes v as the event's data; a serialization failure turns
// into an error event instead of a broken frame.
func (s *sseWriter) jsonEvent(name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("unable to serialize sse event", logger.Err(err))
		s.event(eventError, `"internal error: unable to serialize message"`)
		return
	}
	s.event(name, string(data))
}

// streamResults runs the waiter state machine, emitting one event per
// mutation. The stream starts by replaying the snapshot as new_result events
// and terminates on deadline, deletion of the watched task or disconnect.
// It is not restartable; clients reconnect with a fresh deadline.
func (s *Server) streamResults(
	w http.ResponseWriter,
	r *http.Request,
	taskID envelope.MsgID,
	block envelope.BlockSpec,
	set *exchange.ResultSet,
	filter func(*envelope.Signed[*envelope.TaskResult]) bool,
) {
	sse, ok := newSSEWriter(w, s.log)
	if !ok {
		return
	}
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	for _, res := range set.Results {
		sse.jsonEvent(eventNewResult, res)
	}

	emit := func(ev exchange.StreamEvent[*envelope.Signed[*envelope.TaskResult]]) {
		switch ev.Kind {
		case exchange.StreamNew:
			sse.jsonEvent(eventNewResult, ev.Item)
		case exchange.StreamUpdated:
			sse.jsonEvent(eventUpdatedResult, ev.Item)
		case exchange.StreamExpired:
			sse.event(eventWaitExpired, "{}")
		case exchange.StreamDeleted:
			sse.jsonEvent(eventDeletedTask, map[string]string{"task_id": taskID.String()})
		}
	}

	_, err := exchange.Await(r.Context(), set.Results, block, set.NewSub, set.DelSub, filter, &taskID, emit)
	if errors.Is(err, exchange.ErrLagged) {
		sse.event(eventError, `"internal error: event stream lagged"`)
		metrics.InternalErrors.Inc()
	}
}
