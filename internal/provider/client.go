package provider

import (
	"context"
	"errors"
	"fmt"

	"adsync-scheduler/internal/models"
)

// ErrNoClient is returned by Registry for providers without a configured client.
var ErrNoClient = errors.New("no sync client for provider")

// SyncRequest is what the worker hands to a provider connector.
type SyncRequest struct {
	TenantID     string
	Provider     models.Provider
	ConnectionID string
	AccessToken  string
	SyncType     models.SyncType
	Options      map[string]any
}

// EntityError reports one entity the provider could not sync.
type EntityError struct {
	Entity  string `json:"entity"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func (e EntityError) String() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Message)
}

// Result holds the totals a sync produced. Errors lists per-entity failures of a partial sync.
type Result struct {
	Counters models.Counters
	Errors   []EntityError
}

// SyncClient runs one sync against an advertising platform. Calls may be slow and may fail
// partially; the caller bounds them with ctx.
type SyncClient interface {
	Sync(ctx context.Context, req SyncRequest) (Result, error)
}

// SyncFunc adapts a function to SyncClient.
type SyncFunc func(ctx context.Context, req SyncRequest) (Result, error)

func (f SyncFunc) Sync(ctx context.Context, req SyncRequest) (Result, error) { return f(ctx, req) }

// Registry routes each request to the client registered for its provider.
type Registry map[models.Provider]SyncClient

func (r Registry) Sync(ctx context.Context, req SyncRequest) (Result, error) {
	c, ok := r[req.Provider]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", req.Provider, ErrNoClient)
	}
	return c.Sync(ctx, req)
}
