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

// Package broker exposes the task exchange over HTTP: posting and listing
// encrypted tasks, submitting and polling results, and pairing socket
// tunnels. Every request is authenticated through its extended SamplyJWT
// signature before a handler acts on it; the broker never sees plaintext.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/exchange"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/core/msgjwt"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/internal/metrics"
)

// maxBodyBytes bounds envelope bodies; encrypted payloads beyond this are
// expected to travel out of band.
const maxBodyBytes = 16 << 20

// Server is the broker's HTTP surface. It owns the two exchanges (compute
// tasks and socket requests) and the socket rendezvous hub; handlers borrow
// them for the duration of one request.
type Server struct {
	log      logger.Logger
	verifier *msgjwt.Verifier

	tasks   *exchange.Manager[*envelope.TaskRequest]
	sockets *exchange.Manager[*envelope.SocketRequest]
	hub     *socketHub

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	sweepInterval time.Duration
	maxWait       time.Duration
}

// Options configures a Server.
type Options struct {
	// SweepInterval is the expiry sweeper's fallback interval.
	SweepInterval time.Duration
	// MaxWait caps client-supplied wait times; zero leaves the clients'
	// deadlines untouched (bounded only by the long sentinel).
	MaxWait time.Duration
}

// New builds a broker server around the given verifier.
func New(verifier *msgjwt.Verifier, log logger.Logger, opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Server{
		log:      log,
		verifier: verifier,
		tasks:    exchange.NewManager[*envelope.TaskRequest](log.WithFields(logger.String("exchange", "tasks"))),
		sockets:  exchange.NewManager[*envelope.SocketRequest](log.WithFields(logger.String("exchange", "sockets"))),
		hub:      newSocketHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sweepInterval: opts.SweepInterval,
		maxWait:       opts.MaxWait,
	}
}

// parseBlock reads the block spec from the query and applies the server-side
// wait cap, if one is configured.
func (s *Server) parseBlock(r *http.Request) (envelope.BlockSpec, error) {
	block, err := envelope.ParseBlockSpec(r.URL.Query())
	if err != nil {
		return envelope.BlockSpec{}, err
	}
	if s.maxWait > 0 && (block.WaitTime == nil || *block.WaitTime > s.maxWait) {
		capped := s.maxWait
		block.WaitTime = &capped
	}
	return block, nil
}

// Tasks exposes the compute-task exchange, mainly for health reporting.
func (s *Server) Tasks() *exchange.Manager[*envelope.TaskRequest] { return s.tasks }

// Sockets exposes the socket exchange.
func (s *Server) Sockets() *exchange.Manager[*envelope.SocketRequest] { return s.sockets }

// Router builds the endpoint table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handlePostTask)
	mux.HandleFunc("GET /v1/tasks", s.handleGetTasks)
	mux.HandleFunc("GET /v1/tasks/{taskID}/results", s.handleGetResults)
	mux.HandleFunc("PUT /v1/tasks/{taskID}/results/{appID}", s.handlePutResult)
	mux.HandleFunc("POST /v1/sockets", s.handlePostSocket)
	mux.HandleFunc("GET /v1/sockets", s.handleGetSockets)
	mux.HandleFunc("GET /v1/sockets/{taskID}", s.handleConnectSocket)
	return mux
}

// Run serves until ctx is canceled, with both expiry sweepers running.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.tasks.RunSweeper(ctx, s.sweepInterval)
	go s.sockets.RunSweeper(ctx, s.sweepInterval)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: long-polls and SSE streams outlive any fixed
		// bound; per-request deadlines come from the client's block spec.
	}
	s.log.Info("broker listening", logger.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("broker server: %w", err)
	}
}

// authenticate reads the (bounded) body and verifies the extended request
// signature. On failure the response has already been written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (identity.AppOrProxyID, string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return identity.AppOrProxyID{}, "", false
	}
	from, err := s.verifier.AuthenticateRequest(r, string(body))
	if err != nil {
		s.log.Debug("request authentication failed",
			logger.String("uri", r.URL.RequestURI()),
			logger.Err(err))
		respondError(w, http.StatusUnauthorized, "invalid request signature")
		return identity.AppOrProxyID{}, "", false
	}
	return from, string(body), true
}

func respondError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFromErr maps exchange errors onto HTTP status codes. Anything
// unrecognized is the channel-fatal 500.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, exchange.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, exchange.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondExchangeErr(w http.ResponseWriter, err error) {
	code := statusFromErr(err)
	if code == http.StatusInternalServerError {
		metrics.InternalErrors.Inc()
	}
	respondError(w, code, err.Error())
}
