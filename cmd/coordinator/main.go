// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// DeskRelay — Sync Coordinator
//
// Entry point for the master node that merges deltas from collection
// agents. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (canonical store) and optionally Redis
//     (downstream indexing queue)
//  3. Serves the sync, tickets, and report endpoints
//  4. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/index"
	"github.com/deskrelay/ingestion/internal/store"
	"github.com/deskrelay/ingestion/internal/syncer"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting DeskRelay sync coordinator")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required, the coordinator holds the canonical store")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	canonical, err := store.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise canonical store", "error", err)
		os.Exit(1)
	}

	// --- Indexing Publisher (optional) ---
	var publisher syncer.Publisher
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		pub := index.NewPublisher(rdb, cfg.IndexQueue)
		if err := pub.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		publisher = pub
		slog.Info("connected to Redis", "queue", cfg.IndexQueue)
	} else {
		slog.Info("no Redis configured, merged tickets are not forwarded to indexing")
	}

	// --- Coordinator + HTTP Surface ---
	coordinator := syncer.NewCoordinator(canonical, publisher)
	handler := syncer.NewHandler(coordinator)

	ready, err := syncer.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start coordinator server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	slog.Info("sync coordinator stopped")
}
