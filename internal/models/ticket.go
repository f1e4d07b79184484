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

// Package models defines the data structures shared across the ingestion
// pipeline and the sync protocol.
package models

import "time"

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusNew        TicketStatus = "new"
	StatusInProgress TicketStatus = "in_progress"
	StatusResolved   TicketStatus = "resolved"
)

// Attachment is a raw attachment blob lifted out of a mail message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// RawTicketCandidate is a normalised mail message that has not yet been
// confirmed to be a ticket. It is produced by the extractor, consumed by the
// parser, and never persisted.
type RawTicketCandidate struct {
	SourceID    string       `json:"source_id"` // unique per mail store
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Sender      string       `json:"sender"`
	SenderName  string       `json:"sender_name,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments"`
}

// Ticket is the canonical unit of the system.
//
// TicketID is derived deterministically from the parsed content (explicit
// ticket token) or from the source message ID, so re-ingesting the same
// message always yields the same ID. Version is a per-ticket revision
// counter; it is bumped only when the parsed content actually changes.
type Ticket struct {
	TicketID          string            `json:"ticket_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Status            TicketStatus      `json:"status"`
	Fields            map[string]string `json:"fields,omitempty"`
	OriginCollectorID string            `json:"origin_collector_id"`
	SourceMessageID   string            `json:"source_message_id,omitempty"`
	ContentHash       string            `json:"content_hash,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           int64             `json:"version"`
}

// Supersedes reports whether t wins over other under the deterministic
// total order used everywhere a ticket may be replaced: strictly greater
// version wins, and an exact version tie goes to the lexicographically
// greater origin collector ID. The order is total, so merges are
// commutative and associative regardless of arrival order.
func (t *Ticket) Supersedes(other *Ticket) bool {
	if t.Version != other.Version {
		return t.Version > other.Version
	}
	return t.OriginCollectorID > other.OriginCollectorID
}

// ImageArtifact is a normalised image extracted from a ticket's attachments.
// Artifacts are immutable: a changed attachment produces a new artifact ID
// (the ID is content-addressed), never a mutation.
type ImageArtifact struct {
	ArtifactID  string    `json:"artifact_id"`
	TicketID    string    `json:"ticket_id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Data        []byte    `json:"data,omitempty"`
	Features    []float32 `json:"features,omitempty"` // placeholder vector for the embedding pipeline
	CreatedAt   time.Time `json:"created_at"`
}
