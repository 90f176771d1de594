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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/exchange"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/core/msgjwt"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/internal/metrics"
)

// handlePostTask accepts a signed encrypted task and broadcasts it.
func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	from, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	env, err := msgjwt.VerifyEnvelope[envelope.TaskRequest](s.verifier, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task envelope")
		return
	}
	if !env.From().Equal(from) {
		respondError(w, http.StatusUnauthorized, "envelope sender does not match request signature")
		return
	}
	if err := s.tasks.Insert(env); err != nil {
		respondExchangeErr(w, err)
		return
	}
	metrics.TasksCreated.Inc()
	s.log.Info("task created",
		logger.String("task", env.Msg.ID.String()),
		logger.String("from", from.String()),
		logger.Int("recipients", len(env.Msg.To)))

	w.Header().Set("Location", fmt.Sprintf("/v1/tasks/%s", env.Msg.ID))
	w.WriteHeader(http.StatusCreated)
}

// handleGetTasks is the listing long-poll. The caller must appear as the
// queried from or to; filter=todo restricts to tasks this caller has not
// closed out yet and defaults to to the caller.
func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	from, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	block, err := s.parseBlock(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter, ok := s.parseTaskFilter(w, r, from)
	if !ok {
		return
	}

	metrics.ActiveWaiters.Inc()
	defer metrics.ActiveWaiters.Dec()
	list, err := s.tasks.WaitForTasks(r.Context(), block, filter.matches)
	if errors.Is(err, exchange.ErrLagged) {
		respondExchangeErr(w, err)
		return
	}
	// Context errors mean the client is gone; writing the buffer is a no-op.
	respondJSON(w, block.StatusCode(len(list)), signedList(list))
}

// parseTaskFilter validates the from/to/filter query parameters against the
// authenticated caller. On failure the response has been written.
func (s *Server) parseTaskFilter(w http.ResponseWriter, r *http.Request, caller identity.AppOrProxyID) (taskFilter, bool) {
	q := r.URL.Query()
	var filter taskFilter
	filter.mode = filterOr

	if raw := q.Get("from"); raw != "" {
		id, err := identity.ParseAppOrProxyID(raw, s.verifier.Broker())
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from parameter")
			return taskFilter{}, false
		}
		filter.from = &id
	}
	if raw := q.Get("to"); raw != "" {
		id, err := identity.ParseAppOrProxyID(raw, s.verifier.Broker())
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to parameter")
			return taskFilter{}, false
		}
		filter.to = &id
	}
	switch strings.ToLower(q.Get("filter")) {
	case "":
	case "todo":
		if filter.to == nil {
			filter.to = &caller
		}
		filter.unansweredBy = &caller
	default:
		respondError(w, http.StatusBadRequest, "unknown filter")
		return taskFilter{}, false
	}

	if filter.from == nil && filter.to == nil {
		respondError(w, http.StatusBadRequest, `supply either "from" or "to" query parameter`)
		return taskFilter{}, false
	}
	if (filter.from != nil && !filter.from.Equal(caller)) ||
		(filter.to != nil && !filter.to.Equal(caller)) {
		respondError(w, http.StatusUnauthorized, "you can only list tasks created by you (from) or directed to you (to)")
		return taskFilter{}, false
	}
	return filter, true
}

// handlePutResult records one worker's result on a task.
func (s *Server) handlePutResult(w http.ResponseWriter, r *http.Request) {
	from, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	env, err := msgjwt.VerifyEnvelope[envelope.TaskResult](s.verifier, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid result envelope")
		return
	}
	if !env.From().Equal(from) {
		respondError(w, http.StatusUnauthorized, "envelope sender does not match request signature")
		return
	}
	appID, err := identity.ParseAppOrProxyID(r.PathValue("appID"), s.verifier.Broker())
	if err != nil || !appID.Equal(env.Msg.From) {
		respondError(w, http.StatusBadRequest, "app id in path and signed message do not match")
		return
	}

	created, err := s.tasks.PutResult(taskID, env)
	if err != nil {
		respondExchangeErr(w, err)
		return
	}
	metrics.ResultsSubmitted.WithLabelValues(string(env.Msg.Status)).Inc()
	s.log.Info("result recorded",
		logger.String("task", taskID.String()),
		logger.String("worker", from.String()),
		logger.Bool("created", created))
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleGetResults serves the issuer's result long-poll, streaming over SSE
// when the Accept header asks for text/event-stream.
func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	from, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	block, err := s.parseBlock(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	set, err := s.tasks.OpenResults(taskID, from)
	if err != nil {
		respondExchangeErr(w, err)
		return
	}
	defer set.NewSub.Cancel()
	defer set.DelSub.Cancel()

	resultFilter := func(res *envelope.Signed[*envelope.TaskResult]) bool {
		return identity.ContainsID(res.Msg.To, from)
	}

	if acceptsEventStream(r) {
		s.streamResults(w, r, taskID, block, set, resultFilter)
		return
	}

	metrics.ActiveWaiters.Inc()
	defer metrics.ActiveWaiters.Dec()
	buf, err := exchange.Await(r.Context(), set.Results, block, set.NewSub, set.DelSub, resultFilter, &taskID, nil)
	if errors.Is(err, exchange.ErrLagged) {
		respondExchangeErr(w, err)
		return
	}
	// ErrWatchedDeleted ends the wait cleanly with the buffer held so far;
	// context errors mean the client is gone and the write is a no-op.
	respondJSON(w, block.StatusCode(len(buf)), signedList(buf))
}

// acceptsEventStream checks the Accept header for text/event-stream.
func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";"); mediaType == "text/event-stream" {
			return true
		}
	}
	return false
}

// signedList never serializes as null; an empty listing is [].
func signedList[M any](list []M) []M {
	if list == nil {
		return []M{}
	}
	return list
}
