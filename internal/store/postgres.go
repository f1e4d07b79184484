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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/ingestion/internal/models"
)

// Postgres is the canonical Store backing the coordinator. It ensures its
// schema on creation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store on the given pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ticket schema: %w", err)
	}
	slog.Info("ticket store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id         TEXT PRIMARY KEY,
			title             TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'new',
			fields            JSONB NOT NULL DEFAULT '{}',
			origin_collector  TEXT NOT NULL DEFAULT '',
			source_message_id TEXT DEFAULT '',
			content_hash      TEXT DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			version           BIGINT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_tickets_collector ON tickets(origin_collector, version);

		CREATE TABLE IF NOT EXISTS image_artifacts (
			artifact_id  TEXT PRIMARY KEY,
			ticket_id    TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
			name         TEXT DEFAULT '',
			content_type TEXT DEFAULT '',
			content_hash TEXT DEFAULT '',
			width        INT DEFAULT 0,
			height       INT DEFAULT 0,
			data         BYTEA,
			features     REAL[],
			created_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_ticket ON image_artifacts(ticket_id);

		CREATE TABLE IF NOT EXISTS sync_checkpoints (
			collector_id TEXT PRIMARY KEY,
			token        TEXT NOT NULL,
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Put performs the versioned upsert in a single transaction. The row lock
// taken by SELECT ... FOR UPDATE makes the check-then-write atomic.
func (s *Postgres) Put(ctx context.Context, bundle models.TicketBundle) (models.MergeOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback(ctx)

	t := bundle.Ticket

	var existing models.Ticket
	outcome := models.OutcomeCreated
	err = tx.QueryRow(ctx, `
		SELECT version, origin_collector FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, t.TicketID).Scan(&existing.Version, &existing.OriginCollectorID)
	switch {
	case err == pgx.ErrNoRows:
		// first sighting
	case err != nil:
		return models.OutcomeFailed, fmt.Errorf("lock ticket %s: %w", t.TicketID, err)
	default:
		if !t.Supersedes(&existing) {
			return models.OutcomeStale, nil
		}
		outcome = models.OutcomeApplied
	}

	fieldsJSON, err := json.Marshal(t.Fields)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("marshal ticket fields: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets
			(ticket_id, title, description, status, fields, origin_collector,
			 source_message_id, content_hash, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ticket_id) DO UPDATE SET
			title             = EXCLUDED.title,
			description       = EXCLUDED.description,
			status            = EXCLUDED.status,
			fields            = EXCLUDED.fields,
			origin_collector  = EXCLUDED.origin_collector,
			source_message_id = EXCLUDED.source_message_id,
			content_hash      = EXCLUDED.content_hash,
			updated_at        = EXCLUDED.updated_at,
			version           = EXCLUDED.version
	`, t.TicketID, t.Title, t.Description, string(t.Status), fieldsJSON,
		t.OriginCollectorID, t.SourceMessageID, t.ContentHash,
		t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return models.OutcomeFailed, fmt.Errorf("upsert ticket %s: %w", t.TicketID, err)
	}

	// The winning revision owns the artifact set wholesale.
	if _, err := tx.Exec(ctx, `DELETE FROM image_artifacts WHERE ticket_id = $1`, t.TicketID); err != nil {
		return models.OutcomeFailed, fmt.Errorf("clear artifacts for %s: %w", t.TicketID, err)
	}
	for _, art := range bundle.Images {
		_, err := tx.Exec(ctx, `
			INSERT INTO image_artifacts
				(artifact_id, ticket_id, name, content_type, content_hash,
				 width, height, data, features, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (artifact_id) DO NOTHING
		`, art.ArtifactID, art.TicketID, art.Name, art.ContentType, art.ContentHash,
			art.Width, art.Height, art.Data, art.Features, art.CreatedAt)
		if err != nil {
			return models.OutcomeFailed, fmt.Errorf("insert artifact %s: %w", art.ArtifactID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.OutcomeFailed, fmt.Errorf("commit put %s: %w", t.TicketID, err)
	}
	return outcome, nil
}

// Get retrieves one ticket bundle, or nil if absent.
func (s *Postgres) Get(ctx context.Context, ticketID string) (*models.TicketBundle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ticket_id, title, description, status, fields, origin_collector,
		       source_message_id, content_hash, created_at, updated_at, version
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)

	t, err := scanTicket(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	images, err := s.artifactsFor(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return &models.TicketBundle{Ticket: *t, Images: images}, nil
}

// List returns the full canonical set ordered by ticket ID.
func (s *Postgres) List(ctx context.Context) ([]models.TicketBundle, error) {
	return s.listWhere(ctx, `
		SELECT ticket_id, title, description, status, fields, origin_collector,
		       source_message_id, content_hash, created_at, updated_at, version
		FROM tickets
		ORDER BY ticket_id
	`)
}

// ListSince returns one collector's tickets newer than sinceVersion.
func (s *Postgres) ListSince(ctx context.Context, collectorID string, sinceVersion int64) ([]models.TicketBundle, error) {
	return s.listWhere(ctx, `
		SELECT ticket_id, title, description, status, fields, origin_collector,
		       source_message_id, content_hash, created_at, updated_at, version
		FROM tickets
		WHERE origin_collector = $1 AND version > $2
		ORDER BY ticket_id
	`, collectorID, sinceVersion)
}

// SaveCheckpoint persists a collector's checkpoint token.
func (s *Postgres) SaveCheckpoint(ctx context.Context, collectorID, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (collector_id, token)
		VALUES ($1, $2)
		ON CONFLICT (collector_id) DO UPDATE SET
			token      = EXCLUDED.token,
			updated_at = NOW()
	`, collectorID, token)
	return err
}

// LoadCheckpoint returns a collector's checkpoint token ("" if none).
func (s *Postgres) LoadCheckpoint(ctx context.Context, collectorID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `
		SELECT token FROM sync_checkpoints WHERE collector_id = $1
	`, collectorID).Scan(&token)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return token, err
}

func (s *Postgres) listWhere(ctx context.Context, query string, args ...any) ([]models.TicketBundle, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []models.TicketBundle
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, models.TicketBundle{Ticket: *t})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range bundles {
		images, err := s.artifactsFor(ctx, bundles[i].Ticket.TicketID)
		if err != nil {
			return nil, err
		}
		bundles[i].Images = images
	}
	return bundles, nil
}

func (s *Postgres) artifactsFor(ctx context.Context, ticketID string) ([]models.ImageArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT artifact_id, ticket_id, name, content_type, content_hash,
		       width, height, data, features, created_at
		FROM image_artifacts
		WHERE ticket_id = $1
		ORDER BY artifact_id
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []models.ImageArtifact
	for rows.Next() {
		var a models.ImageArtifact
		if err := rows.Scan(
			&a.ArtifactID, &a.TicketID, &a.Name, &a.ContentType, &a.ContentHash,
			&a.Width, &a.Height, &a.Data, &a.Features, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// scanTicket scans a ticket row (shared by Get and the list queries).
func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	var status string
	var fieldsJSON []byte
	err := row.Scan(
		&t.TicketID, &t.Title, &t.Description, &status, &fieldsJSON,
		&t.OriginCollectorID, &t.SourceMessageID, &t.ContentHash,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TicketStatus(status)
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &t.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal ticket fields: %w", err)
		}
	}
	return &t, nil
}
