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

package mailstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/deskrelay/ingestion/internal/config"
)

// IMAPConnector binds the mail-store capability to an IMAP mailbox over TLS.
type IMAPConnector struct {
	cfg config.MailstoreConfig
}

// NewIMAPConnector creates a connector for the configured mailbox.
func NewIMAPConnector(cfg config.MailstoreConfig) *IMAPConnector {
	return &IMAPConnector{cfg: cfg}
}

// OpenSession dials the IMAP server, authenticates, and selects the
// configured folder read-only.
func (c *IMAPConnector) OpenSession(ctx context.Context) (Session, error) {
	cl, err := client.DialTLS(c.cfg.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", c.cfg.Address, err)
	}
	cl.Timeout = 30 * time.Second

	if err := cl.Login(c.cfg.Username, c.cfg.Password); err != nil {
		cl.Logout()
		return nil, fmt.Errorf("IMAP login: %w", err)
	}

	if _, err := cl.Select(c.cfg.Folder, true); err != nil {
		cl.Logout()
		return nil, fmt.Errorf("select folder %s: %w", c.cfg.Folder, err)
	}

	slog.Debug("IMAP session opened",
		"address", c.cfg.Address,
		"folder", c.cfg.Folder,
	)

	return &imapSession{client: cl, folder: c.cfg.Folder}, nil
}

// imapSession wraps one selected-folder IMAP connection.
type imapSession struct {
	client *client.Client
	folder string
}

// ListCandidates searches the selected folder by subject keyword and
// received date, returning UID-based handles.
func (s *imapSession) ListCandidates(ctx context.Context, f Filter) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if !f.Since.IsZero() {
		criteria.Since = f.Since
	}
	if f.SubjectKeyword != "" {
		criteria.Header.Add("Subject", f.SubjectKeyword)
	}

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("IMAP search: %w", err)
	}

	handles := make([]Handle, 0, len(uids))
	for _, uid := range uids {
		handles = append(handles, Handle{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	return handles, nil
}

// Read fetches the full raw message for a handle. The fetch uses BODY.PEEK
// so collecting never flips read flags on the mailbox.
func (s *imapSession) Read(ctx context.Context, h Handle) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(h.ID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad message handle %q: %w", h.ID, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, fmt.Errorf("IMAP fetch uid %d: %w", uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message uid %d not found", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message uid %d has no body section", uid)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read message uid %d: %w", uid, err)
	}

	return &Message{
		ID:  fmt.Sprintf("%s/%d", s.folder, uid),
		Raw: raw,
	}, nil
}

// Close logs out of the IMAP session.
func (s *imapSession) Close() error {
	return s.client.Logout()
}
