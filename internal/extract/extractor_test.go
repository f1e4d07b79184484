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

package extract

import (
	"errors"
	"strings"
	"testing"
)

const plainMessage = "Message-Id: <t-1@mail.example>\r\n" +
	"From: Help Desk <bot@helpdesk.example.com>\r\n" +
	"Subject: Ticket #4521: printer offline\r\n" +
	"Date: Sun, 01 Mar 2026 09:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Priority: high\r\n" +
	"Customer: ACME Corp\r\n"

const htmlMessage = "Message-Id: <t-2@mail.example>\r\n" +
	"From: bot@helpdesk.example.com\r\n" +
	"Subject: Ticket #77: vpn drops\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Priority: <b>low</b></p></body></html>\r\n"

const mixedMessage = "Message-Id: <t-3@mail.example>\r\n" +
	"From: bot@helpdesk.example.com\r\n" +
	"Subject: Ticket #9: screenshot attached\r\n" +
	"Content-Type: multipart/mixed; boundary=frontier\r\n" +
	"\r\n" +
	"--frontier\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--frontier\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"shot.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8=\r\n" +
	"--frontier--\r\n"

// TestCandidate_PlainText verifies header and body extraction from a
// simple message.
func TestCandidate_PlainText(t *testing.T) {
	cand, err := Candidate([]byte(plainMessage), "INBOX/17")
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}

	if cand.SourceID != "t-1@mail.example" {
		t.Errorf("SourceID = %q, want Message-Id without brackets", cand.SourceID)
	}
	if cand.Subject != "Ticket #4521: printer offline" {
		t.Errorf("Subject = %q", cand.Subject)
	}
	if cand.Sender != "bot@helpdesk.example.com" {
		t.Errorf("Sender = %q", cand.Sender)
	}
	if cand.SenderName != "Help Desk" {
		t.Errorf("SenderName = %q", cand.SenderName)
	}
	if !strings.Contains(cand.Body, "Priority: high") {
		t.Errorf("Body = %q, missing priority line", cand.Body)
	}
	if cand.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not parsed from Date header")
	}
}

// TestCandidate_HTMLFallback verifies the HTML body is stripped to text
// when no plain part exists.
func TestCandidate_HTMLFallback(t *testing.T) {
	cand, err := Candidate([]byte(htmlMessage), "INBOX/18")
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}

	if strings.Contains(cand.Body, "<") {
		t.Errorf("Body = %q, contains markup", cand.Body)
	}
	if !strings.Contains(cand.Body, "Priority: low") {
		t.Errorf("Body = %q, want stripped text", cand.Body)
	}
}

// TestCandidate_Attachment verifies attachment decoding alongside the
// text body.
func TestCandidate_Attachment(t *testing.T) {
	cand, err := Candidate([]byte(mixedMessage), "INBOX/19")
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}

	if !strings.Contains(cand.Body, "See attached.") {
		t.Errorf("Body = %q", cand.Body)
	}
	if len(cand.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(cand.Attachments))
	}
	att := cand.Attachments[0]
	if att.Name != "shot.png" {
		t.Errorf("Name = %q, want shot.png", att.Name)
	}
	if att.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", att.ContentType)
	}
	if string(att.Data) != "hello" {
		t.Errorf("Data = %q, want decoded base64", att.Data)
	}
}

const relatedMessage = "Message-Id: <t-4@mail.example>\r\n" +
	"From: bot@helpdesk.example.com\r\n" +
	"Subject: Ticket #12: error dialog\r\n" +
	"Content-Type: multipart/related; boundary=rel\r\n" +
	"\r\n" +
	"--rel\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>See below:</p><img src=\"cid:paste1\">\r\n" +
	"--rel\r\n" +
	"Content-Type: image/png; name=\"paste.png\"\r\n" +
	"Content-Disposition: inline\r\n" +
	"Content-Id: <paste1>\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8=\r\n" +
	"--rel--\r\n"

// TestCandidate_InlineImage verifies a pasted screenshot delivered as an
// inline part is lifted into the attachment list.
func TestCandidate_InlineImage(t *testing.T) {
	cand, err := Candidate([]byte(relatedMessage), "INBOX/22")
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}

	if len(cand.Attachments) != 1 {
		t.Fatalf("attachments = %d, want the inline image lifted", len(cand.Attachments))
	}
	att := cand.Attachments[0]
	if att.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", att.ContentType)
	}
	if att.Name != "paste.png" {
		t.Errorf("Name = %q, want paste.png", att.Name)
	}
	if string(att.Data) != "hello" {
		t.Errorf("Data = %q, want decoded base64", att.Data)
	}
	if !strings.Contains(cand.Body, "See below:") {
		t.Errorf("Body = %q, want stripped HTML text alongside the image", cand.Body)
	}
}

// TestCandidate_FallbackSourceID verifies the handle ID is used when the
// message carries no Message-Id.
func TestCandidate_FallbackSourceID(t *testing.T) {
	raw := "From: a@b.example\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nbody\r\n"
	cand, err := Candidate([]byte(raw), "INBOX/20")
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if cand.SourceID != "INBOX/20" {
		t.Errorf("SourceID = %q, want handle fallback", cand.SourceID)
	}
}

// TestCandidate_Garbage verifies an unparseable message fails with the
// package error type.
func TestCandidate_Garbage(t *testing.T) {
	_, err := Candidate([]byte("\x00\x01not mail at all"), "INBOX/21")
	if err == nil {
		t.Fatal("expected error for garbage input")
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Errorf("error type = %T, want *Error", err)
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<div> hello   <b>world</b>\n</div>")
	if got != "hello world" {
		t.Errorf("StripHTML = %q, want %q", got, "hello world")
	}
}
