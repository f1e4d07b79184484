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

// DeskRelay — Backfill
//
// One-shot collection over a deep lookback window. Used when a new
// collector is brought up against an existing mailbox, or after an outage
// longer than the regular lookback. Runs a single cycle and exits; the
// regular agent takes over from there.
//
// Usage:
//
//	backfill -lookback 2160h            # collect the last 90 days, push if configured
//	backfill -lookback 720h -no-push    # dry collection, local only
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/dedup"
	"github.com/deskrelay/ingestion/internal/imaging"
	"github.com/deskrelay/ingestion/internal/mailstore"
	"github.com/deskrelay/ingestion/internal/store"
	"github.com/deskrelay/ingestion/internal/syncer"
	"github.com/deskrelay/ingestion/internal/ticket"
)

func main() {
	lookback := flag.Duration("lookback", 30*24*time.Hour, "how far back to collect")
	noPush := flag.Bool("no-push", false, "collect locally without pushing to the coordinator")
	timeout := flag.Duration("timeout", 30*time.Minute, "overall run timeout")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.Mailstore.Lookback = *lookback

	slog.Info("starting backfill",
		"collector", cfg.CollectorID,
		"lookback", *lookback,
		"push", !*noPush && cfg.CoordinatorURL != "",
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	parser, err := ticket.NewParser(cfg.CollectorID, cfg.Rules)
	if err != nil {
		slog.Error("invalid ticket rules", "error", err)
		os.Exit(1)
	}

	var filter syncer.DedupFilter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		filter = dedup.NewFilter(rdb)
	}

	var client *syncer.Client
	if !*noPush && cfg.CoordinatorURL != "" {
		client = syncer.NewClient(cfg.CoordinatorURL, cfg.Auth, cfg.SyncTimeout)
	}

	agent := syncer.NewAgent(cfg,
		mailstore.NewIMAPConnector(cfg.Mailstore),
		parser,
		imaging.NewProcessor(cfg.Image),
		store.NewMemory(),
		filter,
		client,
	)

	result, err := agent.RunCycle(ctx)
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	slog.Info("backfill finished",
		"candidates", result.Candidates,
		"ingested", result.Ingested,
		"unchanged", result.Unchanged,
		"skipped", result.Skipped,
		"pushed", result.Pushed,
		"pending", result.Pending,
		"duration", result.Duration,
	)

	if result.Pending > 0 {
		slog.Warn("tickets left unsynchronised, re-run or let the agent retry", "pending", result.Pending)
		os.Exit(2)
	}
}
