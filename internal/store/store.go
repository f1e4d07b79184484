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

// Package store persists the canonical ticket + image artifact set. The
// store does not interpret ticket semantics; it only enforces the version
// monotonicity invariant on writes.
package store

import (
	"context"

	"github.com/deskrelay/ingestion/internal/models"
)

// Store is the durable write target the pipeline and the coordinator share.
//
// Put is an idempotent upsert keyed by ticket ID. The write applies the
// deterministic total order (higher version wins; an exact version tie goes
// to the greater origin collector ID): a losing write is reported as
// OutcomeStale, never as an error. The version check and the write are
// atomic. A winning write replaces the ticket's artifact set wholesale;
// the ticket owns its artifacts.
type Store interface {
	Put(ctx context.Context, bundle models.TicketBundle) (models.MergeOutcome, error)
	Get(ctx context.Context, ticketID string) (*models.TicketBundle, error)

	// List returns the full canonical set ordered by ticket ID.
	List(ctx context.Context) ([]models.TicketBundle, error)
	// ListSince returns tickets originating from one collector with a
	// version strictly greater than sinceVersion, for incremental readers.
	ListSince(ctx context.Context, collectorID string, sinceVersion int64) ([]models.TicketBundle, error)

	// Checkpoint persistence for the sync protocol (per collector).
	SaveCheckpoint(ctx context.Context, collectorID, token string) error
	LoadCheckpoint(ctx context.Context, collectorID string) (string, error)
}
