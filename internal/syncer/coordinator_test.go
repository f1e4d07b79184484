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
	"errors"
	"sync"
	"testing"

	"github.com/deskrelay/ingestion/internal/models"
	"github.com/deskrelay/ingestion/internal/store"
)

// mockPublisher records published bundles and optionally fails.
type mockPublisher struct {
	mu      sync.Mutex
	bundles []models.TicketBundle
	fail    bool
}

func (m *mockPublisher) PublishBundle(_ context.Context, bundle models.TicketBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("queue down")
	}
	m.bundles = append(m.bundles, bundle)
	return nil
}

func (m *mockPublisher) published() []models.TicketBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TicketBundle(nil), m.bundles...)
}

func testBundle(ticketID, collector string, version int64) models.TicketBundle {
	return models.TicketBundle{
		Ticket: models.Ticket{
			TicketID:          ticketID,
			Title:             "t",
			OriginCollectorID: collector,
			ContentHash:       "h",
			Version:           version,
		},
	}
}

// TestCoordinator_MergeOutcomes verifies per-ticket outcomes and
// checkpoint advancement across pushes.
func TestCoordinator_MergeOutcomes(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(store.NewMemory(), nil)

	resp, err := c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 1),
			testBundle("tk-2", "collector-a", 1),
		},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.Outcome != models.OutcomeCreated {
			t.Errorf("outcome for %s = %q, want created", r.TicketID, r.Outcome)
		}
	}
	first := resp.NewCheckpoint
	if first == "" {
		t.Fatal("empty checkpoint after merge")
	}

	// Replay one, update the other.
	resp, err = c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Checkpoint:  first,
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 1),
			testBundle("tk-2", "collector-a", 2),
		},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if resp.Results[0].Outcome != models.OutcomeStale {
		t.Errorf("replay outcome = %q, want stale", resp.Results[0].Outcome)
	}
	if resp.Results[1].Outcome != models.OutcomeApplied {
		t.Errorf("update outcome = %q, want applied", resp.Results[1].Outcome)
	}
	if resp.NewCheckpoint == first {
		t.Error("checkpoint did not advance")
	}
}

// TestCoordinator_MergeCommutative verifies that two coordinators seeing
// the same deltas in opposite order converge on the same canonical state.
func TestCoordinator_MergeCommutative(t *testing.T) {
	ctx := context.Background()

	fromA := models.SyncRequest{
		CollectorID: "collector-a",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 5),
			testBundle("tk-2", "collector-a", 3),
		},
	}
	fromB := models.SyncRequest{
		CollectorID: "collector-b",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-b", 3),
			testBundle("tk-2", "collector-b", 3), // tie with A on tk-2
		},
	}

	s1 := store.NewMemory()
	c1 := NewCoordinator(s1, nil)
	c1.Merge(ctx, fromA)
	c1.Merge(ctx, fromB)

	s2 := store.NewMemory()
	c2 := NewCoordinator(s2, nil)
	c2.Merge(ctx, fromB)
	c2.Merge(ctx, fromA)

	for _, id := range []string{"tk-1", "tk-2"} {
		b1, _ := s1.Get(ctx, id)
		b2, _ := s2.Get(ctx, id)
		if b1.Ticket.Version != b2.Ticket.Version ||
			b1.Ticket.OriginCollectorID != b2.Ticket.OriginCollectorID {
			t.Errorf("%s diverged: {v%d %s} vs {v%d %s}", id,
				b1.Ticket.Version, b1.Ticket.OriginCollectorID,
				b2.Ticket.Version, b2.Ticket.OriginCollectorID)
		}
	}

	// Version wins outright on tk-1; the tie on tk-2 goes to the
	// lexicographically greater collector.
	b, _ := s1.Get(ctx, "tk-1")
	if b.Ticket.OriginCollectorID != "collector-a" || b.Ticket.Version != 5 {
		t.Errorf("tk-1 = {v%d %s}, want v5 from collector-a", b.Ticket.Version, b.Ticket.OriginCollectorID)
	}
	b, _ = s1.Get(ctx, "tk-2")
	if b.Ticket.OriginCollectorID != "collector-b" {
		t.Errorf("tk-2 tie went to %s, want collector-b", b.Ticket.OriginCollectorID)
	}
}

// TestCoordinator_PublishesMergedOnly verifies only created and applied
// bundles reach the indexing publisher, and a publisher failure does not
// fail the merge.
func TestCoordinator_PublishesMergedOnly(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	c := NewCoordinator(store.NewMemory(), pub)

	c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas:      []models.TicketBundle{testBundle("tk-1", "collector-a", 1)},
	})
	// Replay: stale, must not be republished.
	c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas:      []models.TicketBundle{testBundle("tk-1", "collector-a", 1)},
	})

	if got := len(pub.published()); got != 1 {
		t.Errorf("published = %d bundles, want 1", got)
	}

	pub.fail = true
	resp, err := c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas:      []models.TicketBundle{testBundle("tk-1", "collector-a", 2)},
	})
	if err != nil {
		t.Fatalf("Merge with failing publisher: %v", err)
	}
	if resp.Results[0].Outcome != models.OutcomeApplied {
		t.Errorf("outcome = %q, want applied despite publish failure", resp.Results[0].Outcome)
	}
}

// TestCoordinator_CheckpointSurvivesRestart verifies the counter resumes
// from the persisted token.
func TestCoordinator_CheckpointSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	c1 := NewCoordinator(st, nil)
	resp, err := c1.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 1),
			testBundle("tk-2", "collector-a", 1),
		},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// New coordinator over the same store, as after a restart.
	c2 := NewCoordinator(st, nil)
	resp2, err := c2.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Checkpoint:  resp.NewCheckpoint,
		Deltas:      []models.TicketBundle{testBundle("tk-3", "collector-a", 1)},
	})
	if err != nil {
		t.Fatalf("Merge after restart: %v", err)
	}

	if parseCheckpoint(resp2.NewCheckpoint) != parseCheckpoint(resp.NewCheckpoint)+1 {
		t.Errorf("checkpoint %q does not continue from %q",
			resp2.NewCheckpoint, resp.NewCheckpoint)
	}
}

// TestCoordinator_Report verifies per-collector statistics accumulate.
func TestCoordinator_Report(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(store.NewMemory(), nil)

	c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-b",
		Deltas:      []models.TicketBundle{testBundle("tk-1", "collector-b", 1)},
	})
	c.Merge(ctx, models.SyncRequest{
		CollectorID: "collector-a",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 1), // equal version, loses the tie
		},
	})

	reports := c.Report()
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].CollectorID != "collector-a" || reports[1].CollectorID != "collector-b" {
		t.Errorf("report order = %q,%q, want sorted by collector",
			reports[0].CollectorID, reports[1].CollectorID)
	}
	if reports[1].Created != 1 {
		t.Errorf("collector-b created = %d, want 1", reports[1].Created)
	}
	if reports[0].Stale != 1 {
		t.Errorf("collector-a stale = %d, want 1", reports[0].Stale)
	}
	if reports[0].LastSync.IsZero() {
		t.Error("LastSync not recorded")
	}
}

// TestCoordinator_RejectsAnonymous verifies a push without a collector ID
// fails outright.
func TestCoordinator_RejectsAnonymous(t *testing.T) {
	c := NewCoordinator(store.NewMemory(), nil)
	if _, err := c.Merge(context.Background(), models.SyncRequest{}); err == nil {
		t.Error("expected error for missing collector_id")
	}
}
