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

// Package extract turns one raw mail message into a normalised ticket
// candidate. It is a pure function of its input: no network or disk access.
// A single unreadable attachment degrades to "attachment omitted"; only a
// message that cannot be parsed at all fails the candidate.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/deskrelay/ingestion/internal/models"
)

// Error reports an unreadable message. Individual attachment failures never
// produce an Error; they drop the attachment and keep the candidate intact.
type Error struct {
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract message %s: %v", e.SourceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Candidate parses raw RFC 822 bytes into a RawTicketCandidate. The source
// ID prefers the Message-Id header (stable across mail stores) and falls
// back to the store-assigned handle ID.
func Candidate(raw []byte, handleID string) (*models.RawTicketCandidate, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{SourceID: handleID, Err: err}
	}

	cand := &models.RawTicketCandidate{
		SourceID:    handleID,
		Attachments: []models.Attachment{},
	}

	header := mr.Header
	if id := header.Get("Message-Id"); id != "" {
		cand.SourceID = strings.Trim(id, "<> ")
	}

	// Cosmetic header problems degrade to empty values; the subject is the
	// only field the parser strictly needs, and even a bare subject line
	// survives a failed MIME-word decode via the raw header value.
	cand.Subject = header.Get("Subject")
	if subj, err := header.Subject(); err == nil {
		cand.Subject = subj
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		cand.Sender = from[0].Address
		cand.SenderName = from[0].Name
	}

	if date, err := header.Date(); err == nil {
		cand.ReceivedAt = date.UTC()
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part boundary loses the rest of the walk, not the
			// candidate. Keep what was collected so far.
			slog.Warn("message part unreadable, truncating walk",
				"source_id", cand.SourceID,
				"error", err,
			)
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, err := h.ContentType()
			if err != nil {
				continue
			}
			switch {
			case contentType == "text/plain":
				if body, err := io.ReadAll(p.Body); err == nil && plain == "" {
					plain = string(body)
				}
			case contentType == "text/html":
				if body, err := io.ReadAll(p.Body); err == nil && html == "" {
					html = string(body)
				}
			case !strings.HasPrefix(contentType, "text/"):
				// Pasted screenshots arrive as inline parts (or inside
				// multipart/related), not as attachments. Lift them into the
				// attachment list; the image sniffer downstream discards
				// anything that is not actually an image.
				data, err := io.ReadAll(p.Body)
				if err != nil {
					slog.Warn("inline part unreadable, omitting",
						"source_id", cand.SourceID,
						"content_type", contentType,
						"error", err,
					)
					continue
				}
				cand.Attachments = append(cand.Attachments, models.Attachment{
					Name:        params["name"],
					ContentType: contentType,
					Data:        data,
				})
			}

		case *mail.AttachmentHeader:
			att, err := readAttachment(h, p.Body)
			if err != nil {
				slog.Warn("attachment unreadable, omitting",
					"source_id", cand.SourceID,
					"error", err,
				)
				continue
			}
			cand.Attachments = append(cand.Attachments, *att)
		}
	}

	cand.Body = plain
	if cand.Body == "" && html != "" {
		cand.Body = StripHTML(html)
	}

	return cand, nil
}

// readAttachment pulls one attachment blob out of the part stream.
func readAttachment(h *mail.AttachmentHeader, body io.Reader) (*models.Attachment, error) {
	name, err := h.Filename()
	if err != nil {
		name = ""
	}

	contentType, _, err := h.ContentType()
	if err != nil {
		contentType = "application/octet-stream"
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read attachment %q: %w", name, err)
	}

	return &models.Attachment{
		Name:        name,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// StripHTML reduces an HTML body to whitespace-normalised plain text.
func StripHTML(html string) string {
	text := htmlTagRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}
