package client

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

	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

// API talks to the sync gateway over HTTP on behalf of one device
type API struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewAPI builds an unauthenticated client; call Login before sync calls
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login registers the device and stores the issued access token
func (a *API) Login(ctx context.Context, req registry.LoginRequest) (*registry.LoginResponse, error) {
	var resp registry.LoginResponse
	if err := a.do(ctx, http.MethodPost, "/api/devices/login", nil, req, &resp); err != nil {
		return nil, err
	}
	a.token = resp.DeviceAccessToken
	return &resp, nil
}

// Upload pushes a batch of queued changes to the gateway
func (a *API) Upload(ctx context.Context, batch sync.SyncBatch) (*sync.SyncResult, error) {
	var result sync.SyncResult
	if err := a.do(ctx, http.MethodPost, "/api/sync/upload", nil, batch, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download fetches one page of changes after the given sequence
func (a *API) Download(ctx context.Context, sinceSequence int64, limit int) (*sync.DownloadPage, error) {
	query := url.Values{}
	query.Set("sinceSequence", strconv.FormatInt(sinceSequence, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var page sync.DownloadPage
	if err := a.do(ctx, http.MethodGet, "/api/sync/download", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AckCheckpoint records the device's durably-applied sequence server-side
func (a *API) AckCheckpoint(ctx context.Context, sequence int64, pending int) error {
	body := map[string]interface{}{
		"sequence":       sequence,
		"pendingChanges": pending,
	}
	return a.do(ctx, http.MethodPost, "/api/sync/checkpoint", nil, body, nil)
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("client: %s %s: %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("client: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
