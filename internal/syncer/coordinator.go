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

// Package syncer implements both roles of the master/slave synchronisation
// protocol: the Agent that collects tickets and pushes deltas, and the
// Coordinator that merges deltas from any number of agents into the
// canonical store.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deskrelay/ingestion/internal/models"
	"github.com/deskrelay/ingestion/internal/store"
)

// Publisher hands merged bundles to the downstream indexing pipeline.
// Implemented by index.Publisher; nil disables publishing.
type Publisher interface {
	PublishBundle(ctx context.Context, bundle models.TicketBundle) error
}

// CollectorReport summarises one collector's sync history for the
// aggregate report endpoint.
type CollectorReport struct {
	CollectorID string    `json:"collector_id"`
	LastSync    time.Time `json:"last_sync"`
	Received    int       `json:"received"`
	Created     int       `json:"created"`
	Applied     int       `json:"applied"`
	Stale       int       `json:"stale"`
	Failed      int       `json:"failed"`
	Checkpoint  string    `json:"checkpoint"`
}

// Coordinator merges deltas into the canonical store. Merges for the same
// ticket ID are serialised by a per-ticket mutex; deltas touching different
// tickets proceed independently. The merge rule is last-writer-wins by
// version with the collector-ID tie-break, making merges commutative.
type Coordinator struct {
	store     store.Store
	publisher Publisher

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	counters map[string]uint64 // checkpoint counters, keyed by collector
	reports  map[string]*CollectorReport
}

// NewCoordinator creates a coordinator over the given canonical store.
// publisher may be nil.
func NewCoordinator(st store.Store, publisher Publisher) *Coordinator {
	return &Coordinator{
		store:     st,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
		counters:  make(map[string]uint64),
		reports:   make(map[string]*CollectorReport),
	}
}

// Merge applies one delta push. Every submitted ticket gets an outcome;
// the returned checkpoint counts only entries the store actually holds
// (created, applied, or already-newer stale), so a partially-applied merge
// is reflected correctly and failed entries are resubmitted next cycle.
func (c *Coordinator) Merge(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	if req.CollectorID == "" {
		return nil, fmt.Errorf("sync request missing collector_id")
	}

	counter, err := c.loadCounter(ctx, req.CollectorID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", req.CollectorID, err)
	}

	results := make([]models.TicketResult, 0, len(req.Deltas))
	report := c.reportFor(req.CollectorID)

	for _, bundle := range req.Deltas {
		outcome := c.mergeOne(ctx, bundle)
		results = append(results, models.TicketResult{
			TicketID: bundle.Ticket.TicketID,
			Outcome:  outcome,
		})

		c.mu.Lock()
		report.Received++
		switch outcome {
		case models.OutcomeCreated:
			report.Created++
			counter++
		case models.OutcomeApplied:
			report.Applied++
			counter++
		case models.OutcomeStale:
			report.Stale++
			counter++
		case models.OutcomeFailed:
			report.Failed++
		}
		c.mu.Unlock()

		if outcome == models.OutcomeCreated || outcome == models.OutcomeApplied {
			c.publish(ctx, bundle)
		}
	}

	token := checkpointToken(req.CollectorID, counter)
	if err := c.store.SaveCheckpoint(ctx, req.CollectorID, token); err != nil {
		// The counter cache stays consistent with what the agent sees;
		// persistence catches up on the next exchange.
		slog.Error("persist checkpoint failed",
			"collector", req.CollectorID,
			"error", err,
		)
	}

	c.mu.Lock()
	c.counters[req.CollectorID] = counter
	report.LastSync = time.Now().UTC()
	report.Checkpoint = token
	c.mu.Unlock()

	slog.Info("delta merged",
		"collector", req.CollectorID,
		"tickets", len(req.Deltas),
		"checkpoint", token,
	)

	return &models.SyncResponse{
		NewCheckpoint: token,
		Results:       results,
	}, nil
}

// mergeOne applies a single bundle under the ticket's exclusive lock.
func (c *Coordinator) mergeOne(ctx context.Context, bundle models.TicketBundle) models.MergeOutcome {
	lock := c.ticketLock(bundle.Ticket.TicketID)
	lock.Lock()
	defer lock.Unlock()

	outcome, err := c.store.Put(ctx, bundle)
	if err != nil {
		slog.Error("merge put failed",
			"ticket_id", bundle.Ticket.TicketID,
			"collector", bundle.Ticket.OriginCollectorID,
			"version", bundle.Ticket.Version,
			"error", err,
		)
		return models.OutcomeFailed
	}
	return outcome
}

// Tickets exposes the canonical set for read-back: the full set, or one
// collector's tickets newer than sinceVersion.
func (c *Coordinator) Tickets(ctx context.Context, collectorID string, sinceVersion int64) ([]models.TicketBundle, error) {
	if collectorID == "" {
		return c.store.List(ctx)
	}
	return c.store.ListSince(ctx, collectorID, sinceVersion)
}

// Report returns per-collector sync statistics, ordered by collector ID.
func (c *Coordinator) Report() []CollectorReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CollectorReport, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CollectorID < out[j].CollectorID
	})
	return out
}

func (c *Coordinator) publish(ctx context.Context, bundle models.TicketBundle) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishBundle(ctx, bundle); err != nil {
		// The downstream consumer can re-read from the store; a queue
		// hiccup must not fail the merge.
		slog.Error("publish to indexing queue failed",
			"ticket_id", bundle.Ticket.TicketID,
			"error", err,
		)
	}
}

// reportFor returns the stats record for a collector, creating it on
// first contact.
func (c *Coordinator) reportFor(collectorID string) *CollectorReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reports[collectorID]
	if !ok {
		r = &CollectorReport{CollectorID: collectorID}
		c.reports[collectorID] = r
	}
	return r
}

// ticketLock returns the mutex serialising merges for one ticket ID.
func (c *Coordinator) ticketLock(ticketID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[ticketID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[ticketID] = lock
	}
	return lock
}

// loadCounter returns the cached checkpoint counter for a collector,
// recovering it from the persisted token after a restart.
func (c *Coordinator) loadCounter(ctx context.Context, collectorID string) (uint64, error) {
	c.mu.Lock()
	counter, ok := c.counters[collectorID]
	c.mu.Unlock()
	if ok {
		return counter, nil
	}

	token, err := c.store.LoadCheckpoint(ctx, collectorID)
	if err != nil {
		return 0, err
	}
	return parseCheckpoint(token), nil
}

// checkpointToken encodes the per-collector counter. Agents treat the
// token as opaque and only round-trip it.
func checkpointToken(collectorID string, counter uint64) string {
	return fmt.Sprintf("cp:%s:%d", collectorID, counter)
}

// parseCheckpoint recovers the counter from a persisted token. Unknown
// formats restart the counter; tokens only order exchanges, so that is
// harmless.
func parseCheckpoint(token string) uint64 {
	idx := strings.LastIndexByte(token, ':')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(token[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
