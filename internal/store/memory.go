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

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/deskrelay/ingestion/internal/models"
)

// Memory is an in-process Store. The agent uses it for collector-local
// state; tests use it everywhere. All operations are safe for concurrent
// use; the mutex makes each Put's check-then-write atomic.
type Memory struct {
	mu          sync.RWMutex
	bundles     map[string]models.TicketBundle
	checkpoints map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bundles:     make(map[string]models.TicketBundle),
		checkpoints: make(map[string]string),
	}
}

// Put applies the versioned upsert described on the Store interface.
func (m *Memory) Put(_ context.Context, bundle models.TicketBundle) (models.MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.bundles[bundle.Ticket.TicketID]
	if !ok {
		m.bundles[bundle.Ticket.TicketID] = bundle
		return models.OutcomeCreated, nil
	}

	if !bundle.Ticket.Supersedes(&existing.Ticket) {
		return models.OutcomeStale, nil
	}

	m.bundles[bundle.Ticket.TicketID] = bundle
	return models.OutcomeApplied, nil
}

// Get returns the stored bundle for a ticket ID, or nil if absent.
func (m *Memory) Get(_ context.Context, ticketID string) (*models.TicketBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bundle, ok := m.bundles[ticketID]
	if !ok {
		return nil, nil
	}
	return &bundle, nil
}

// List returns all bundles ordered by ticket ID.
func (m *Memory) List(_ context.Context) ([]models.TicketBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(models.TicketBundle) bool { return true }), nil
}

// ListSince returns a collector's bundles newer than sinceVersion.
func (m *Memory) ListSince(_ context.Context, collectorID string, sinceVersion int64) ([]models.TicketBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(b models.TicketBundle) bool {
		return b.Ticket.OriginCollectorID == collectorID && b.Ticket.Version > sinceVersion
	}), nil
}

// SaveCheckpoint records a collector's checkpoint token.
func (m *Memory) SaveCheckpoint(_ context.Context, collectorID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[collectorID] = token
	return nil
}

// LoadCheckpoint returns a collector's checkpoint token ("" if none).
func (m *Memory) LoadCheckpoint(_ context.Context, collectorID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[collectorID], nil
}

// collect filters and orders bundles; callers hold the lock.
func (m *Memory) collect(keep func(models.TicketBundle) bool) []models.TicketBundle {
	out := make([]models.TicketBundle, 0, len(m.bundles))
	for _, b := range m.bundles {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ticket.TicketID < out[j].Ticket.TicketID
	})
	return out
}
