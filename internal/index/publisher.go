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

// Package index hands finished ticket artifacts to the downstream
// embedding/indexing pipeline via a Redis task queue. This is the bridge
// between the Go coordinator and the indexing workers.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/deskrelay/ingestion/internal/models"
)

// Publisher sends merged ticket bundles to the indexing queue.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// indexTask is the task envelope the indexing worker consumes.
type indexTask struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	TicketID string          `json:"ticket_id"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt string          `json:"queued_at"`
}

// PublishBundle serialises a merged ticket bundle and pushes it to the
// indexing queue. The worker re-embeds the ticket text and images; stale
// versions never reach this point, so the queue carries only canonical
// revisions.
func (p *Publisher) PublishBundle(ctx context.Context, bundle models.TicketBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal ticket bundle: %w", err)
	}

	task := indexTask{
		ID:       uuid.New().String(),
		Task:     "indexing.tasks.embed_ticket",
		TicketID: bundle.Ticket.TicketID,
		Version:  bundle.Ticket.Version,
		Payload:  payload,
		QueuedAt: time.Now().UTC().Format(time.RFC3339),
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal index task: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(taskJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published ticket to indexing queue",
		"task_id", task.ID,
		"ticket_id", bundle.Ticket.TicketID,
		"version", bundle.Ticket.Version,
		"images", len(bundle.Images),
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
