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

package syncer

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/models"
	"github.com/deskrelay/ingestion/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Coordinator) {
	t.Helper()
	c := NewCoordinator(store.NewMemory(), nil)
	h := NewHandler(c)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync", h.ServeSync)
	mux.HandleFunc("/api/tickets", h.ServeTickets)
	mux.HandleFunc("/api/report", h.ServeReport)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, c
}

// TestHandler_SyncExchange drives a full push/ack round trip through the
// wire client.
func TestHandler_SyncExchange(t *testing.T) {
	srv, _ := newTestServer(t)
	client := NewClient(srv.URL, config.AuthConfig{}, 5*time.Second)

	resp, err := client.PushDelta(context.Background(), models.SyncRequest{
		CollectorID: "collector-a",
		Deltas: []models.TicketBundle{
			testBundle("tk-1", "collector-a", 1),
		},
	})
	if err != nil {
		t.Fatalf("PushDelta: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Outcome != models.OutcomeCreated {
		t.Errorf("results = %+v, want tk-1 created", resp.Results)
	}
	if resp.NewCheckpoint == "" {
		t.Error("empty checkpoint in acknowledgement")
	}

	bundles, err := client.FetchTickets(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("FetchTickets: %v", err)
	}
	if len(bundles) != 1 || bundles[0].Ticket.TicketID != "tk-1" {
		t.Errorf("fetched = %+v, want tk-1", bundles)
	}

	// Filtered read-back.
	bundles, err = client.FetchTickets(context.Background(), "collector-a", 1)
	if err != nil {
		t.Fatalf("FetchTickets filtered: %v", err)
	}
	if len(bundles) != 0 {
		t.Errorf("fetched %d bundles at since_version=1, want 0", len(bundles))
	}
}

// TestHandler_MalformedRequest verifies a 400 for undecodable pushes.
func TestHandler_MalformedRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestHandler_MethodGuards verifies verb restrictions on each endpoint.
func TestHandler_MethodGuards(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sync")
	if err != nil {
		t.Fatalf("GET sync: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/sync = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/tickets", "application/json", nil)
	if err != nil {
		t.Fatalf("POST tickets: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/tickets = %d, want 405", resp.StatusCode)
	}
}

// TestHandler_BadSinceVersion verifies query validation.
func TestHandler_BadSinceVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tickets?collector=a&since_version=banana")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestClient_TransportError verifies an unreachable coordinator surfaces
// as a retryable transport error.
func TestClient_TransportError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", config.AuthConfig{}, time.Second)

	_, err := client.PushDelta(context.Background(), models.SyncRequest{CollectorID: "a"})
	if err == nil {
		t.Fatal("expected error against closed port")
	}
	if !isTransport(err) {
		t.Errorf("error %v not classified as transport", err)
	}
}

// TestClient_ProtocolError verifies garbage responses are classified
// separately from transport failures.
func TestClient_ProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>load balancer error page</html>"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, config.AuthConfig{}, time.Second)
	_, err := client.PushDelta(context.Background(), models.SyncRequest{CollectorID: "a"})
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
	if !isProtocol(err) {
		t.Errorf("error %v not classified as protocol", err)
	}
	if isTransport(err) {
		t.Error("protocol error also classified as transport")
	}
}

// TestServe_ReadyMeansAccepting verifies the ready channel only closes
// once the bound listener is serving requests.
func TestServe_ReadyMeansAccepting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := NewHandler(NewCoordinator(store.NewMemory(), nil))
	ready := serveListener(ctx, ln, handler)
	<-ready

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health after ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestHandler_Report verifies the aggregate report endpoint shape.
func TestHandler_Report(t *testing.T) {
	srv, coordinator := newTestServer(t)

	coordinator.Merge(context.Background(), models.SyncRequest{
		CollectorID: "collector-a",
		Deltas:      []models.TicketBundle{testBundle("tk-1", "collector-a", 1)},
	})

	resp, err := http.Get(srv.URL + "/api/report")
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
