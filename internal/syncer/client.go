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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/models"
)

// Client is the agent side of the sync wire protocol. All calls carry a
// bounded timeout and honour context cancellation; a request aborted
// mid-flight is never treated as acknowledged.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a sync client for the coordinator at baseURL. When
// auth is configured, requests are authenticated via OAuth2 client
// credentials; the token transport handles refresh.
func NewClient(baseURL string, auth config.AuthConfig, timeout time.Duration) *Client {
	httpClient := &http.Client{}
	if auth.Enabled() {
		creds := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
		}
		httpClient = creds.Client(context.Background())
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// PushDelta submits a delta and returns the coordinator's acknowledgement.
// Network and HTTP-status failures come back as transport errors; a
// response that cannot be decoded is a protocol error. Both are retryable.
func (c *Client) PushDelta(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &transportError{err: fmt.Errorf("coordinator returned HTTP %d: %s", resp.StatusCode, msg)}
	}

	var ack models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &protocolError{err: fmt.Errorf("decode sync response: %w", err)}
	}

	return &ack, nil
}

// FetchTickets pulls canonical state back from the coordinator, either the
// full set or one collector's tickets newer than sinceVersion.
func (c *Client) FetchTickets(ctx context.Context, collectorID string, sinceVersion int64) ([]models.TicketBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/api/tickets"
	if collectorID != "" {
		params := url.Values{}
		params.Set("collector", collectorID)
		params.Set("since_version", strconv.FormatInt(sinceVersion, 10))
		u += "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build tickets request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transportError{err: fmt.Errorf("tickets endpoint returned HTTP %d", resp.StatusCode)}
	}

	var bundles []models.TicketBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundles); err != nil {
		return nil, &protocolError{err: fmt.Errorf("decode tickets response: %w", err)}
	}

	return bundles, nil
}
