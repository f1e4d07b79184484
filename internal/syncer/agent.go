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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/extract"
	"github.com/deskrelay/ingestion/internal/imaging"
	"github.com/deskrelay/ingestion/internal/mailstore"
	"github.com/deskrelay/ingestion/internal/models"
	"github.com/deskrelay/ingestion/internal/store"
	"github.com/deskrelay/ingestion/internal/ticket"
)

// collectWorkers bounds concurrent message reads per collection cycle.
const collectWorkers = 4

// State names the agent's position in the collect/build/send loop.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateBuilding   State = "delta_building"
	StateSending    State = "sending"
)

// DedupFilter is the seen-message check. Messages are marked only after
// processing succeeds, so a transient failure leaves the message eligible
// for the next cycle. Nil disables deduplication; every listed candidate
// is then re-extracted, which is wasteful but correct because ingestion
// is idempotent.
type DedupFilter interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string) error
}

// CycleResult summarises one collection cycle for logs and the status
// endpoint.
type CycleResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Skipped    int           `json:"skipped"` // dedup hits and non-ticket mail
	Ingested   int           `json:"ingested"`
	Unchanged  int           `json:"unchanged"` // re-reads with identical content
	Pushed     int           `json:"pushed"`
	Pending    int           `json:"pending"`
	Checkpoint string        `json:"checkpoint"`
	Error      string        `json:"error,omitempty"`
}

// Status is the agent snapshot served by the status endpoint.
type Status struct {
	CollectorID string      `json:"collector_id"`
	State       State       `json:"state"`
	Pending     int         `json:"pending"`
	Checkpoint  string      `json:"checkpoint"`
	Backoff     string      `json:"backoff,omitempty"`
	LastCycle   CycleResult `json:"last_cycle"`
}

// Agent runs the collector side: it pulls candidate messages from the
// mail store, turns them into versioned tickets in its local store, and
// pushes unsynchronised tickets to the coordinator. The pending set
// survives failed pushes; only a coordinator acknowledgement removes a
// ticket from it.
type Agent struct {
	collectorID string
	connector   mailstore.Connector
	parser      *ticket.Parser
	processor   *imaging.Processor
	local       store.Store
	dedup       DedupFilter
	client      *Client // nil runs the agent standalone, without pushing

	subjectKeyword string
	lookback       time.Duration
	interval       time.Duration
	maxBackoff     time.Duration

	mu         sync.Mutex
	state      State
	pending    map[string]models.TicketBundle
	checkpoint string
	backoff    time.Duration
	lastCycle  CycleResult
	loaded     bool // checkpoint restored from the local store

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgent wires a collection agent. dedup and client may be nil.
func NewAgent(cfg *config.Config, connector mailstore.Connector, parser *ticket.Parser, processor *imaging.Processor, local store.Store, dedup DedupFilter, client *Client) *Agent {
	return &Agent{
		collectorID:    cfg.CollectorID,
		connector:      connector,
		parser:         parser,
		processor:      processor,
		local:          local,
		dedup:          dedup,
		client:         client,
		subjectKeyword: cfg.Mailstore.SubjectKeyword,
		lookback:       cfg.Mailstore.Lookback,
		interval:       cfg.SyncInterval,
		maxBackoff:     cfg.MaxBackoff,
		state:          StateIdle,
		pending:        make(map[string]models.TicketBundle),
		trigger:        make(chan struct{}, 1),
	}
}

// Start launches the periodic collection loop. Failed cycles back off
// exponentially up to the configured maximum; a successful cycle resets
// the cadence.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		for {
			wait := a.interval
			a.mu.Lock()
			if a.backoff > 0 {
				wait = a.backoff
			}
			a.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-a.trigger:
				timer.Stop()
			}

			if _, err := a.RunCycle(ctx); err != nil {
				slog.Error("collection cycle failed", "collector", a.collectorID, "error", err)
			}
		}
	}()

	slog.Info("agent started",
		"collector", a.collectorID,
		"interval", a.interval,
		"standalone", a.client == nil,
	)
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	slog.Info("agent stopped", "collector", a.collectorID)
}

// TriggerSync requests an immediate cycle. No-op if one is already queued.
func (a *Agent) TriggerSync() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot for the status endpoint.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{
		CollectorID: a.collectorID,
		State:       a.state,
		Pending:     len(a.pending),
		Checkpoint:  a.checkpoint,
		LastCycle:   a.lastCycle,
	}
	if a.backoff > 0 {
		s.Backoff = a.backoff.String()
	}
	return s
}

// RunCycle executes one collect/build/send pass. A session that cannot be
// opened fails the whole cycle; a message that cannot be read, extracted,
// or parsed only skips that message. The error return covers session and
// push failures, both of which trigger backoff.
func (a *Agent) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := time.Now()
	result := CycleResult{StartedAt: started.UTC()}

	if err := a.restoreCheckpoint(ctx); err != nil {
		return nil, err
	}

	a.setState(StateCollecting)
	defer a.setState(StateIdle)

	err := a.collect(ctx, &result)
	if err == nil && a.client != nil {
		err = a.push(ctx, &result)
	}

	a.mu.Lock()
	if err != nil {
		result.Error = err.Error()
		a.backoff = nextBackoff(a.backoff, a.interval, a.maxBackoff)
	} else {
		a.backoff = 0
	}
	result.Pending = len(a.pending)
	result.Checkpoint = a.checkpoint
	result.Duration = time.Since(started)
	a.lastCycle = result
	a.mu.Unlock()

	slog.Info("collection cycle finished",
		"collector", a.collectorID,
		"candidates", result.Candidates,
		"ingested", result.Ingested,
		"pushed", result.Pushed,
		"pending", result.Pending,
		"duration", result.Duration,
		"error", result.Error,
	)

	return &result, err
}

// collect lists candidates and fans message processing out over a bounded
// worker pool. Counters are updated under the agent mutex.
func (a *Agent) collect(ctx context.Context, result *CycleResult) error {
	session, err := a.connector.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open mail session: %w", err)
	}
	defer session.Close()

	filter := mailstore.Filter{
		SubjectKeyword: a.subjectKeyword,
		Since:          time.Now().Add(-a.lookback),
	}
	handles, err := session.ListCandidates(ctx, filter)
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	result.Candidates = len(handles)

	sem := make(chan struct{}, collectWorkers)
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		sem <- struct{}{}
		go func(h mailstore.Handle) {
			defer wg.Done()
			defer func() { <-sem }()
			a.processHandle(ctx, session, h, result)
		}(h)
	}
	wg.Wait()

	a.setState(StateBuilding)
	return nil
}

// processHandle runs one message through dedup, extraction, parsing,
// attachment processing, and local ingestion.
func (a *Agent) processHandle(ctx context.Context, session mailstore.Session, h mailstore.Handle, result *CycleResult) {
	skip := func() {
		a.mu.Lock()
		result.Skipped++
		a.mu.Unlock()
	}

	msg, err := session.Read(ctx, h)
	if err != nil {
		slog.Warn("read message failed", "handle", h.ID, "error", err)
		skip()
		return
	}

	if a.dedup != nil {
		seen, err := a.dedup.Seen(ctx, msg.ID)
		if err != nil {
			// Fall through and process; duplicates are handled by the
			// content-hash check below.
			slog.Warn("dedup check failed", "message_id", msg.ID, "error", err)
		} else if seen {
			skip()
			return
		}
	}

	candidate, err := extract.Candidate(msg.Raw, msg.ID)
	if err != nil {
		slog.Warn("extract failed", "message_id", msg.ID, "error", err)
		skip()
		return
	}

	t, ok := a.parser.Parse(candidate)
	if !ok {
		a.markSeen(ctx, msg.ID)
		skip()
		return
	}

	images := a.processor.Process(t.TicketID, candidate.Attachments)

	outcome, err := a.ingestLocal(ctx, t, images)
	if err != nil {
		slog.Error("local ingest failed", "ticket_id", t.TicketID, "error", err)
		skip()
		return
	}
	a.markSeen(ctx, msg.ID)

	a.mu.Lock()
	if outcome == ingestUnchanged {
		result.Unchanged++
	} else {
		result.Ingested++
	}
	a.mu.Unlock()
}

// markSeen records a fully handled message with the dedup filter. A failed
// mark only costs a redundant re-parse next cycle.
func (a *Agent) markSeen(ctx context.Context, messageID string) {
	if a.dedup == nil {
		return
	}
	if err := a.dedup.MarkSeen(ctx, messageID); err != nil {
		slog.Warn("dedup mark failed", "message_id", messageID, "error", err)
	}
}

type ingestOutcome int

const (
	ingestNew ingestOutcome = iota
	ingestUpdated
	ingestUnchanged
)

// ingestLocal assigns the ticket's version against the local store and
// queues changed revisions for the next push. First sighting gets version
// 1; a re-read with identical content is a no-op; changed content bumps
// the version and preserves the original creation time.
func (a *Agent) ingestLocal(ctx context.Context, t *models.Ticket, images []models.ImageArtifact) (ingestOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.local.Get(ctx, t.TicketID)
	if err != nil {
		return ingestUnchanged, fmt.Errorf("load local ticket: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()

	outcome := ingestNew
	switch {
	case existing == nil:
		t.Version = 1
	case existing.Ticket.ContentHash == t.ContentHash:
		return ingestUnchanged, nil
	default:
		t.Version = existing.Ticket.Version + 1
		t.CreatedAt = existing.Ticket.CreatedAt
		outcome = ingestUpdated
	}

	bundle := models.TicketBundle{Ticket: *t, Images: images}
	if _, err := a.local.Put(ctx, bundle); err != nil {
		return ingestUnchanged, fmt.Errorf("store local ticket: %w", err)
	}

	a.pending[t.TicketID] = bundle
	return outcome, nil
}

// push sends the pending delta and reconciles the acknowledgement. Only
// tickets the coordinator reports as durably held (any outcome other than
// failed) leave the pending set; everything else is retried next cycle.
func (a *Agent) push(ctx context.Context, result *CycleResult) error {
	a.setState(StateSending)

	a.mu.Lock()
	deltas := make([]models.TicketBundle, 0, len(a.pending))
	for _, b := range a.pending {
		deltas = append(deltas, b)
	}
	checkpoint := a.checkpoint
	a.mu.Unlock()

	if len(deltas) == 0 {
		return nil
	}
	// Deterministic wire order keeps retried pushes byte-comparable.
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].Ticket.TicketID < deltas[j].Ticket.TicketID
	})

	req := models.SyncRequest{
		CollectorID: a.collectorID,
		Checkpoint:  checkpoint,
		Deltas:      deltas,
	}

	resp, err := a.client.PushDelta(ctx, req)
	if err != nil {
		switch {
		case isTransport(err):
			slog.Warn("coordinator unreachable, delta retained", "collector", a.collectorID, "error", err)
		case isProtocol(err):
			slog.Error("coordinator answered garbage, delta retained", "collector", a.collectorID, "error", err)
		}
		return err
	}

	a.mu.Lock()
	for _, r := range resp.Results {
		if r.Outcome == models.OutcomeFailed {
			continue
		}
		delete(a.pending, r.TicketID)
		result.Pushed++
	}
	a.checkpoint = resp.NewCheckpoint
	a.mu.Unlock()

	if err := a.local.SaveCheckpoint(ctx, a.collectorID, resp.NewCheckpoint); err != nil {
		slog.Error("persist checkpoint failed", "collector", a.collectorID, "error", err)
	}

	return nil
}

// restoreCheckpoint loads the last acknowledged token once per process.
func (a *Agent) restoreCheckpoint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded {
		return nil
	}
	token, err := a.local.LoadCheckpoint(ctx, a.collectorID)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	a.checkpoint = token
	a.loaded = true
	return nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// nextBackoff doubles the retry delay, starting from the base interval
// and capping at max.
func nextBackoff(current, base, max time.Duration) time.Duration {
	if current == 0 {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}
