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
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/exchange"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/core/msgjwt"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/internal/metrics"
)

// pending is one parked connector: the unbuffered channel its peer's
// connection arrives on, and the signal that the parked side gave up.
type pending struct {
	conn chan *websocket.Conn
	gone chan struct{}
}

// socketHub holds, per socket task, the single parked connector waiting for
// its peer. Pairing removes the entry; the parked handler receives the
// peer's upgraded connection over the one-shot channel.
type socketHub struct {
	mu      sync.Mutex
	waiting map[envelope.MsgID]*pending
}

func newSocketHub() *socketHub {
	return &socketHub{waiting: make(map[envelope.MsgID]*pending)}
}

// claim either takes the waiting peer's slot (second connector) or parks a
// fresh one (first connector). parked reports which role the caller got.
func (h *socketHub) claim(id envelope.MsgID) (p *pending, parked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.waiting[id]; ok {
		delete(h.waiting, id)
		return p, false
	}
	p = &pending{conn: make(chan *websocket.Conn), gone: make(chan struct{})}
	h.waiting[id] = p
	return p, true
}

// abandon removes a parked slot if it is still the registered one and marks
// it dead for a peer that already claimed it.
func (h *socketHub) abandon(id envelope.MsgID, p *pending) {
	h.mu.Lock()
	if cur, ok := h.waiting[id]; ok && cur == p {
		delete(h.waiting, id)
	}
	h.mu.Unlock()
	close(p.gone)
}

// handlePostSocket accepts a signed socket request, the task shell of a
// tunnel rendezvous.
func (s *Server) handlePostSocket(w http.ResponseWriter, r *http.Request) {
	from, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	env, err := msgjwt.VerifyEnvelope[envelope.SocketRequest](s.verifier, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid socket request envelope")
		return
	}
	if !env.From().Equal(from) {
		respondError(w, http.StatusUnauthorized, "envelope sender does not match request signature")
		return
	}
	if err := s.sockets.Insert(env); err != nil {
		respondExchangeErr(w, err)
		return
	}
	metrics.SocketsCreated.Inc()
	s.log.Info("socket request created",
		logger.String("socket", env.Msg.ID.String()),
		logger.String("from", from.String()))

	w.Header().Set("Location", fmt.Sprintf("/v1/sockets/%s", env.Msg.ID))
	w.WriteHeader(http.StatusCreated)
}

// handleGetSockets lists socket requests addressed to the caller, with the
// usual waiter semantics. Requests that would neither count nor wait are
// rejected, matching the task-shell contract for this endpoint.
func (s *Server) handleGetSockets(w http.ResponseWriter, r *http.Request) {
	from, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	block, err := s.parseBlock(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !block.Blocking() {
		respondError(w, http.StatusBadRequest, "supply wait_count or wait_time")
		return
	}

	filter := func(env *envelope.Signed[*envelope.SocketRequest]) bool {
		return identity.ContainsID(env.Msg.To, from)
	}
	metrics.ActiveWaiters.Inc()
	defer metrics.ActiveWaiters.Dec()
	list, err := s.sockets.WaitForTasks(r.Context(), block, filter)
	if errors.Is(err, exchange.ErrLagged) {
		respondExchangeErr(w, err)
		return
	}
	respondJSON(w, block.StatusCode(len(list)), signedList(list))
}

// handleConnectSocket pairs two authorized upgrade requests on the same
// socket task and relays between them until either side closes.
func (s *Server) handleConnectSocket(w http.ResponseWriter, r *http.Request) {
	from, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(r.PathValue("taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid socket id")
		return
	}
	env, err := s.sockets.Get(taskID)
	if err != nil {
		respondExchangeErr(w, err)
		return
	}
	// Allowed to connect are the issuer of the request and its recipients.
	if !env.Msg.From.Equal(from) && !identity.ContainsID(env.Msg.To, from) {
		respondError(w, http.StatusUnauthorized, "not a party of this socket")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusUpgradeRequired, "connection upgrade required")
		return
	}

	p, parked := s.hub.claim(taskID)
	if parked {
		// First connector: hold the request un-upgraded until the peer
		// arrives, so a peerless rendezvous can still answer 410.
		select {
		case peer := <-p.conn:
			conn, err := s.upgrader.Upgrade(w, r, nil)
			if err != nil {
				s.log.Warn("socket upgrade failed", logger.Err(err))
				peer.Close()
				return
			}
			// The rendezvous consumed the task; expiry no longer applies.
			_ = s.sockets.Remove(taskID)
			metrics.SocketsPaired.Inc()
			s.log.Info("socket paired", logger.String("socket", taskID.String()))
			s.relay(conn, peer)
		case <-r.Context().Done():
			s.hub.abandon(taskID, p)
			respondError(w, http.StatusGone, "nobody connected")
		}
		return
	}

	// Second connector: upgrade and hand the connection to the parked side.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("socket upgrade failed", logger.Err(err))
		return
	}
	select {
	case p.conn <- conn:
	case <-p.gone:
		// The parked side vanished between claim and hand-off.
		conn.Close()
	}
}

// relay copies messages between the two halves of a tunnel until one closes,
// then tears both down.
func (s *Server) relay(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pipe := func(dst, src *websocket.Conn) {
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				break
			}
			if err := dst.WriteMessage(mt, data); err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
