package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"adsync-scheduler/internal/models"
)

// APIError is a non-2xx answer from a connector.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("connector returned %d: %s", e.StatusCode, e.Body)
}

// HTTPClient calls a provider connector service over HTTP. Requests are paced by a token
// bucket so a burst of queued jobs does not trip the platform's own rate limits.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPClient builds a connector client. perSecond <= 0 disables pacing.
func NewHTTPClient(endpoint string, timeout time.Duration, perSecond float64, burst int) *HTTPClient {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

type syncRequestBody struct {
	TenantID     string         `json:"tenant_id"`
	ConnectionID string         `json:"connection_id"`
	SyncType     string         `json:"sync_type"`
	Options      map[string]any `json:"options,omitempty"`
}

type syncResponseBody struct {
	Campaigns int           `json:"campaigns"`
	AdGroups  int           `json:"ad_groups"`
	Ads       int           `json:"ads"`
	Insights  int           `json:"insights"`
	Errors    []EntityError `json:"errors"`
}

func (c *HTTPClient) Sync(ctx context.Context, req SyncRequest) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("wait for connector slot: %w", err)
	}
	body, err := json.Marshal(syncRequestBody{
		TenantID:     req.TenantID,
		ConnectionID: req.ConnectionID,
		SyncType:     string(req.SyncType),
		Options:      req.Options,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call connector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	var out syncResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode connector response: %w", err)
	}
	return Result{
		Counters: models.Counters{
			Campaigns: out.Campaigns,
			AdGroups:  out.AdGroups,
			Ads:       out.Ads,
			Insights:  out.Insights,
		},
		Errors: out.Errors,
	}, nil
}
