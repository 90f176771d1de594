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

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relay-x-project/relay/broker"
	"github.com/relay-x-project/relay/config"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/core/msgjwt"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/internal/metrics"
	"github.com/relay-x-project/relay/pkg/health"
	"github.com/relay-x-project/relay/pkg/version"
)

func runServe() error {
	cfg, err := config.Load(config.LoaderOptions{Path: flagConfig})
	if err != nil {
		return err
	}
	if flagBindAddr != "" {
		cfg.Broker.BindAddr = flagBindAddr
	}

	log := logger.NewDefault()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.Info("relay broker starting",
		logger.String("version", version.Version),
		logger.String("broker", cfg.Broker.ID),
		logger.String("bind_addr", cfg.Broker.BindAddr))

	brokerID, err := identity.NewBrokerID(cfg.Broker.ID)
	if err != nil {
		return err
	}
	store, err := loadKeyStore(cfg, brokerID)
	if err != nil {
		return err
	}

	srv := broker.New(msgjwt.NewVerifier(brokerID, store), log, broker.Options{
		SweepInterval: cfg.Exchange.SweepInterval.Std(),
		MaxWait:       cfg.Exchange.MaxWait.Std(),
	})

	checker := health.NewChecker(srv.Tasks().Len, srv.Sockets().Len)
	healthSrv := health.NewServer(checker, log, cfg.Health.Port)
	if err := healthSrv.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The metrics server has no shutdown hook; it dies with the process.
	go func() {
		log.Info("starting metrics server", logger.Int("port", cfg.Metrics.Port))
		if err := metrics.StartServer(fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
			log.Error("metrics server error", logger.Err(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, cfg.Broker.BindAddr)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Stop(shutdownCtx)

	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("relay broker stopped")
	return nil
}

// loadKeyStore builds the certificate-store collaborator from the
// operator-provisioned proxy keys in the configuration.
func loadKeyStore(cfg *config.Config, brokerID identity.BrokerID) (*msgjwt.MemoryKeyStore, error) {
	store := msgjwt.NewMemoryKeyStore()
	for _, entry := range cfg.Keys {
		id, err := identity.ParseAppOrProxyID(entry.ID, brokerID)
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		if id.Kind() != identity.KindProxy {
			return nil, fmt.Errorf("keys: %s is not a proxy id", entry.ID)
		}
		raw, err := base64.StdEncoding.DecodeString(entry.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys: public key of %s: %w", entry.ID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keys: public key of %s has %d bytes, want %d", entry.ID, len(raw), ed25519.PublicKeySize)
		}
		store.Put(identity.ProxyID(id.String()), ed25519.PublicKey(raw))
	}
	return store, nil
}
