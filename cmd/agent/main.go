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

// DeskRelay — Collection Agent
//
// Entry point for the collector binary that runs next to a mail store. It:
//  1. Loads configuration from config.yaml
//  2. Connects to the mail store over IMAP and (optionally) Redis for dedup
//  3. Runs periodic collection cycles: list, extract, parse, process images
//  4. Pushes unsynchronised tickets to the coordinator with checkpointed retries
//  5. Serves a local status endpoint with a manual sync trigger
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting DeskRelay collection agent")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"collector", cfg.CollectorID,
		"mailstore", cfg.Mailstore.Address,
		"coordinator", cfg.CoordinatorURL,
		"sync_interval", cfg.SyncInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Ticket Parser ---
	parser, err := ticket.NewParser(cfg.CollectorID, cfg.Rules)
	if err != nil {
		slog.Error("invalid ticket rules", "error", err)
		os.Exit(1)
	}

	// --- Mail Store Connector ---
	connector := mailstore.NewIMAPConnector(cfg.Mailstore)

	// --- Attachment Processor ---
	processor := imaging.NewProcessor(cfg.Image)

	// --- Dedup Filter (optional) ---
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
		slog.Info("dedup filter enabled")
	} else {
		slog.Info("dedup filter disabled, relying on content-hash idempotence")
	}

	// --- Sync Client (optional; absent means standalone collection) ---
	var client *syncer.Client
	if cfg.CoordinatorURL != "" {
		client = syncer.NewClient(cfg.CoordinatorURL, cfg.Auth, cfg.SyncTimeout)
	} else {
		slog.Warn("no coordinator configured, collecting without sync")
	}

	// --- Agent ---
	local := store.NewMemory()
	agent := syncer.NewAgent(cfg, connector, parser, processor, local, filter, client)
	agent.Start(ctx)

	// --- Status Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(agent.Status()); err != nil {
			slog.Error("write status failed", "error", err)
		}
	})
	mux.HandleFunc("/api/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		agent.TriggerSync()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status": "triggered"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		agent.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("agent status endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("collection agent stopped")
}
