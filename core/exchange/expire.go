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

	"github.com/relay-x-project/relay/internal/logger"
)

// RunSweeper evicts expired tasks until ctx is canceled. It sleeps until the
// soonest known deadline (capped at interval) and additionally wakes on each
// new-task broadcast, so very short TTLs are honored promptly without tight
// polling. Stateless between rounds: every round re-scans under a read lock,
// then removes under the write lock.
func (m *Manager[P]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	newSub := m.SubscribeNew()
	defer func() { newSub.Cancel() }()

	for {
		now := time.Now()
		ids, next := m.expired(now)
		for _, id := range ids {
			if err := m.Remove(id); err == nil {
				m.log.Info("task expired", logger.String("task", id.String()))
			}
		}

		sleep := interval
		if !next.IsZero() {
			if until := next.Sub(now); until < sleep {
				sleep = until
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case _, ok := <-newSub.C():
			timer.Stop()
			if !ok {
				// Lagged off the new-task channel; resubscribe and fall back
				// to interval-driven sweeps for the tasks already missed.
				newSub = m.SubscribeNew()
			}
		}
	}
}
