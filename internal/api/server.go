package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/ratelimit"
	"adsync-scheduler/internal/telemetry"
)

// SyncService is the coordinator surface the API exposes.
type SyncService interface {
	RequestSync(ctx context.Context, req coordinator.Request) (coordinator.Admission, error)
	Cancel(ctx context.Context, tenantID string, p models.Provider) (int, error)
	GetStatus(ctx context.Context, tenantID string, p models.Provider) (coordinator.Status, error)
}

// Limiter throttles manual triggers per tenant/provider pair.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for dashboards and the manual trigger.
type Server struct {
	sync    SyncService
	queue   queue.Client
	limiter Limiter
	log     *slog.Logger
	now     func() time.Time
}

// New constructs the API server. limiter may be nil.
func New(svc SyncService, q queue.Client, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sync:    svc,
		queue:   q,
		limiter: limiter,
		log:     logger,
		now:     time.Now,
	}
}

func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tenants/{tenantID}/providers/{provider}", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/status", s.handleStatus)
		r.Post("/cancel", s.handleCancel)
	})
	r.Get("/queues/{name}/stats", s.handleQueueStats)
	return r
}

type syncRequest struct {
	SyncType string         `json:"sync_type"`
	Options  map[string]any `json:"options"`
}

type syncResponse struct {
	Status    string                 `json:"status"`
	Admission *coordinator.Admission `json:"admission,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

type errorResponse struct {
	Error   string     `json:"error"`
	Quota   int        `json:"quota,omitempty"`
	Count   int        `json:"count,omitempty"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tenantID, p, ok := s.pair(w, r)
	if !ok {
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	syncType := models.SyncManual
	if req.SyncType != "" {
		t, err := models.ParseSyncType(req.SyncType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		syncType = t
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), ratelimit.TriggerKey(tenantID, p))
		if err != nil {
			s.log.Error("rate limiter", "err", err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(seconds(d.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many sync requests")
			return
		}
	}

	adm, err := s.sync.RequestSync(r.Context(), coordinator.Request{
		TenantID: tenantID,
		Provider: p,
		SyncType: syncType,
		Source:   models.SourceUser,
		Payload:  req.Options,
	})
	if errors.Is(err, models.ErrAlreadySyncing) {
		// the data will be fresh shortly
		writeJSON(w, http.StatusAccepted, syncResponse{Status: "already_syncing", Message: err.Error()})
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := "queued"
	if adm.Skipped {
		status = "skipped"
	}
	writeJSON(w, http.StatusAccepted, syncResponse{Status: status, Admission: &adm})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, p, ok := s.pair(w, r)
	if !ok {
		return
	}
	st, err := s.sync.GetStatus(r.Context(), tenantID, p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, p, ok := s.pair(w, r)
	if !ok {
		return
	}
	n, err := s.sync.Cancel(r.Context(), tenantID, p)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_count": n})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) (string, models.Provider, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	p, err := models.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return tenantID, p, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var rl *models.RateLimitError
	switch {
	case errors.As(err, &rl):
		reset := rl.ResetAt.UTC()
		w.Header().Set("Retry-After", strconv.Itoa(seconds(reset.Sub(s.now()))))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error: rl.Error(), Quota: rl.Quota, Count: rl.Count, ResetAt: &reset,
		})
	case errors.Is(err, coordinator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrProviderNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "sync store unavailable, try again later")
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
