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

// Package mailstore abstracts the mail store behind a small capability
// interface so any concrete binding (IMAP, exported mailbox, local
// automation API) can supply raw messages to the pipeline.
package mailstore

import (
	"context"
	"time"
)

// Handle identifies one message within an open session. Opaque outside
// this package's implementations.
type Handle struct {
	ID string
}

// Message is one raw message pulled from the mail store.
type Message struct {
	ID  string // unique within the mail store, stable across re-reads
	Raw []byte // full RFC 822 bytes including headers and MIME parts
}

// Filter narrows the candidate listing at the store. The parser's rule set
// does the actual ticket classification; this only trims the fetch volume.
type Filter struct {
	SubjectKeyword string
	Since          time.Time
}

// Session is an open connection to one mailbox. A failure to open a session
// is fatal to the collection cycle; failures reading individual messages
// are not.
type Session interface {
	ListCandidates(ctx context.Context, f Filter) ([]Handle, error)
	Read(ctx context.Context, h Handle) (*Message, error)
	Close() error
}

// Connector opens sessions against a concrete mail store.
type Connector interface {
	OpenSession(ctx context.Context) (Session, error)
}
