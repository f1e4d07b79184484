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

package models

// TicketBundle pairs a ticket with the image artifacts extracted from it.
// It is the unit the agent pushes and the coordinator merges.
type TicketBundle struct {
	Ticket Ticket          `json:"ticket"`
	Images []ImageArtifact `json:"images"`
}

// MergeOutcome describes what the coordinator did with one submitted ticket.
type MergeOutcome string

const (
	OutcomeCreated MergeOutcome = "created" // first sighting of this ticket ID
	OutcomeApplied MergeOutcome = "applied" // replaced an older revision
	OutcomeStale   MergeOutcome = "stale"   // canonical revision is newer, no-op
	OutcomeFailed  MergeOutcome = "failed"  // storage error, resubmit next cycle
)

// SyncRequest is the delta one collector pushes to the coordinator. Deltas
// are ordered; the checkpoint is the token the coordinator returned on the
// last acknowledged exchange (opaque to the agent).
type SyncRequest struct {
	CollectorID string         `json:"collector_id"`
	Checkpoint  string         `json:"checkpoint,omitempty"`
	Deltas      []TicketBundle `json:"deltas"`
}

// TicketResult is the per-ticket outcome of a merge.
type TicketResult struct {
	TicketID string       `json:"ticket_id"`
	Outcome  MergeOutcome `json:"outcome"`
}

// SyncResponse acknowledges a delta push. NewCheckpoint reflects what the
// coordinator actually incorporated, which may trail the submitted delta if
// the merge was partial.
type SyncResponse struct {
	NewCheckpoint string         `json:"new_checkpoint"`
	Results       []TicketResult `json:"results"`
}
