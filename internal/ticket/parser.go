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

// Package ticket derives canonical tickets from mail candidates using a
// configurable pattern rule set. Parsing is deterministic: byte-identical
// candidates always yield byte-identical tickets, which is what makes
// re-ingestion idempotent.
package ticket

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/models"
)

// createdTimeLayouts are tried in order for the created_time body field.
var createdTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// Parser classifies candidates and extracts ticket structure.
type Parser struct {
	collectorID   string
	subjectRules  []*regexp.Regexp
	fieldRules    map[string]*regexp.Regexp
	senderDomains []string
}

// NewParser compiles the rule set. A malformed pattern is a configuration
// error and fails construction.
func NewParser(collectorID string, rules config.RulesConfig) (*Parser, error) {
	p := &Parser{
		collectorID: collectorID,
		fieldRules:  make(map[string]*regexp.Regexp, len(rules.FieldPatterns)),
	}

	for _, pat := range rules.SubjectPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile subject pattern %q: %w", pat, err)
		}
		if re.NumSubexp() < 2 {
			return nil, fmt.Errorf("subject pattern %q needs two capture groups (id, title)", pat)
		}
		p.subjectRules = append(p.subjectRules, re)
	}

	for field, pat := range rules.FieldPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile field pattern %q for %s: %w", pat, field, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("field pattern %q for %s needs a capture group", pat, field)
		}
		p.fieldRules[field] = re
	}

	for _, d := range rules.SenderDomains {
		p.senderDomains = append(p.senderDomains, strings.ToLower(strings.TrimPrefix(d, "@")))
	}

	return p, nil
}

// Parse returns the ticket derived from a candidate, or ok=false when the
// candidate does not look like a ticket. Non-ticket mail is expected and is
// not an error. Individual field problems degrade to defaults; a ticket is
// never lost to a cosmetic field failure.
func (p *Parser) Parse(c *models.RawTicketCandidate) (*models.Ticket, bool) {
	id, title := p.matchSubject(c.Subject)
	fields := p.matchFields(c.Body)

	if id == "" {
		id = fields["ticket_id"]
	}

	// Classification: an explicit ticket token, or a recognised sender
	// domain. Anything else is silently skipped.
	if id == "" && !p.senderRecognised(c.Sender) {
		return nil, false
	}

	if id == "" {
		// Recognised sender without an explicit token: derive a stable ID
		// from the source message identifier so re-ingestion converges.
		id = "m-" + digest(c.SourceID)[:12]
	}

	if title == "" {
		title = strings.TrimSpace(c.Subject)
	}

	t := &models.Ticket{
		TicketID:          id,
		Title:             title,
		Description:       strings.TrimSpace(c.Body),
		Status:            statusFromField(fields["status"]),
		Fields:            fields,
		OriginCollectorID: p.collectorID,
		SourceMessageID:   c.SourceID,
		CreatedAt:         createdAt(fields["created_time"], c.ReceivedAt),
	}
	t.ContentHash = fingerprint(t)

	return t, true
}

// matchSubject runs the subject rules in order; the first match wins.
func (p *Parser) matchSubject(subject string) (id, title string) {
	for _, re := range p.subjectRules {
		m := re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	return "", ""
}

// matchFields extracts the configured body fields. Missing fields are
// present with empty values so downstream consumers see a stable shape.
func (p *Parser) matchFields(body string) map[string]string {
	fields := make(map[string]string, len(p.fieldRules))
	for name, re := range p.fieldRules {
		fields[name] = ""
		if m := re.FindStringSubmatch(body); m != nil {
			fields[name] = strings.TrimSpace(m[1])
		}
	}
	return fields
}

func (p *Parser) senderRecognised(sender string) bool {
	at := strings.LastIndexByte(sender, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(sender[at+1:])
	for _, d := range p.senderDomains {
		if domain == d {
			return true
		}
	}
	return false
}

// statusFromField maps a free-form status value onto the ticket enum.
// Unknown or empty values default to new.
func statusFromField(raw string) models.TicketStatus {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "progress"), strings.Contains(s, "处理中"):
		return models.StatusInProgress
	case strings.Contains(s, "resolved"), strings.Contains(s, "closed"), strings.Contains(s, "已解决"):
		return models.StatusResolved
	default:
		return models.StatusNew
	}
}

// createdAt parses the created_time field, falling back to the message
// receive time when the field is absent or unparseable.
func createdAt(raw string, received time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		for _, layout := range createdTimeLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC()
			}
		}
	}
	return received.UTC()
}

// fingerprint hashes the parsed content so ingestion can tell a changed
// revision of a ticket from a byte-identical re-send. Field iteration is
// sorted to keep the hash stable.
func fingerprint(t *models.Ticket) string {
	h := blake3.New()
	h.Write([]byte(t.TicketID))
	h.Write([]byte{0})
	h.Write([]byte(t.Title))
	h.Write([]byte{0})
	h.Write([]byte(t.Description))
	h.Write([]byte{0})
	h.Write([]byte(t.Status))

	names := make([]string, 0, len(t.Fields))
	for name := range t.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(t.Fields[name]))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// digest is a stable short hash used for derived ticket IDs.
func digest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
