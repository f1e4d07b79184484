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

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/deskrelay/ingestion/internal/models"
)

// maxSyncBody caps a single delta push. Image payloads dominate; one
// oversized push should fail loudly instead of exhausting memory.
const maxSyncBody = 256 << 20

// Handler exposes the coordinator over HTTP.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler wraps a coordinator with its HTTP surface.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// ServeSync handles POST /api/sync, the delta-push exchange.
func (h *Handler) ServeSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.SyncRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err := dec.Decode(&req); err != nil {
		slog.Warn("rejected malformed sync request", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "malformed sync request", http.StatusBadRequest)
		return
	}

	resp, err := h.coordinator.Merge(r.Context(), req)
	if err != nil {
		slog.Error("merge failed", "collector", req.CollectorID, "error", err)
		http.Error(w, "merge failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

// ServeTickets handles GET /api/tickets. Without query parameters it
// returns the full canonical set; with collector and since_version it
// returns that collector's newer revisions.
func (h *Handler) ServeTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	collector := r.URL.Query().Get("collector")
	var sinceVersion int64
	if raw := r.URL.Query().Get("since_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since_version", http.StatusBadRequest)
			return
		}
		sinceVersion = v
	}

	bundles, err := h.coordinator.Tickets(r.Context(), collector, sinceVersion)
	if err != nil {
		slog.Error("list tickets failed", "collector", collector, "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, bundles)
}

// ServeReport handles GET /api/report with per-collector sync statistics.
func (h *Handler) ServeReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.coordinator.Report())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// Serve starts the coordinator HTTP listener and returns a channel that
// closes once the listener is accepting connections. The server shuts
// down gracefully when ctx is cancelled.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	slog.Info("coordinator listening", "addr", ln.Addr().String())
	return serveListener(ctx, ln, handler), nil
}

// serveListener serves on an already-bound listener, so the returned
// ready channel really does mean connections are being accepted.
func serveListener(ctx context.Context, ln net.Listener, handler *Handler) <-chan struct{} {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", handler.ServeSync)
	mux.HandleFunc("/api/tickets", handler.ServeTickets)
	mux.HandleFunc("/api/report", handler.ServeReport)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ready := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		close(ready)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("coordinator shutdown failed", "error", err)
			}
		case err := <-errCh:
			slog.Error("coordinator listener failed", "error", err)
		}
	}()

	return ready
}
