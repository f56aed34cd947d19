package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidal-guard/internal/circuitbreaker"
	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/common/utils"
	"tidal-guard/internal/config"
	"tidal-guard/internal/guard"
	"tidal-guard/internal/ratelimit"
	"tidal-guard/internal/region"
)

// maxBodyBytes bounds request bodies on mutating routes.
const maxBodyBytes = 64 << 10

// Deps are the components the admin routes read and control.
type Deps struct {
	Guard     *guard.Guard
	Store     *config.Store
	Countries *region.CountryManager
	Gatherer  prometheus.Gatherer
	Logger    logging.Logger

	// RequestsPerSecond limits mutating routes per client; <= 0 disables it.
	RequestsPerSecond float64
}

// Handlers serves the admin API.
type Handlers struct {
	guard     *guard.Guard
	store     *config.Store
	countries *region.CountryManager
	logger    logging.Logger
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

type healthResponse struct {
	Status       string   `json:"status"`
	OpenBreakers []string `json:"open_breakers"`
}

type breakerView struct {
	circuitbreaker.Stats
	ResumesAt   string `json:"resumes_at,omitempty"`
	SkipSession bool   `json:"skip_session"`
}

type statsResponse struct {
	Limiter     ratelimit.Stats `json:"limiter"`
	Breakers    []breakerView   `json:"breakers"`
	CountryCode string          `json:"country_code"`
}

type tripRequest struct {
	Reason string `json:"reason"`
}

// NewRouter builds the admin router.
func NewRouter(d Deps) *mux.Router {
	h := &Handlers{
		guard:     d.Guard,
		store:     d.Store,
		countries: d.Countries,
		logger:    logging.OrNop(d.Logger),
	}

	router := mux.NewRouter()
	router.Use(LoggingMiddleware(h.logger))

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/settings", h.GetSettings).Methods(http.MethodGet)
	if d.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Mutating routes share one per-client limiter
	limit := RateLimitMiddleware(d.RequestsPerSecond)
	router.Handle("/settings", limit(http.HandlerFunc(h.UpdateSettings))).Methods(http.MethodPut)
	router.Handle("/breakers/{name}/trip", limit(http.HandlerFunc(h.TripBreaker))).Methods(http.MethodPost)
	router.Handle("/breakers/{name}/reset", limit(http.HandlerFunc(h.ResetBreaker))).Methods(http.MethodPost)

	return router
}

// Health reports liveness and which breakers are open.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	open := h.guard.Breakers().OpenBreakers()
	resp := healthResponse{Status: "ok", OpenBreakers: open}
	if len(open) > 0 {
		resp.Status = "degraded"
	}
	if resp.OpenBreakers == nil {
		resp.OpenBreakers = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats returns limiter and breaker statistics.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	breakers := h.guard.Breakers().All()
	views := make([]breakerView, 0, len(breakers))
	for _, b := range breakers {
		views = append(views, h.breakerView(b))
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Limiter:     h.guard.Limiter().Stats(),
		Breakers:    views,
		CountryCode: h.countries.CountryCode(),
	})
}

// GetSettings returns the live settings snapshot.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSettingsPayload(h.store.Load()))
}

// UpdateSettings applies a partial settings document to the live snapshot.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload settingsPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ValidationError("invalid settings document: "+err.Error()))
		return
	}

	next, err := payload.apply(h.store.Load())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	applied, err := h.store.Set(next)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.logger.WithContext(r.Context()).Info("Settings updated via admin API")
	writeJSON(w, http.StatusOK, newSettingsPayload(applied))
}

// TripBreaker opens the named breaker for a full break duration.
func (h *Handlers) TripBreaker(w http.ResponseWriter, r *http.Request) {
	b, ok := h.lookupBreaker(w, r)
	if !ok {
		return
	}

	req := tripRequest{Reason: "manual trip"}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, apperrors.ValidationError("invalid trip request: "+err.Error()))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual trip"
	}

	b.Trip(req.Reason)
	writeJSON(w, http.StatusOK, h.breakerView(b))
}

// ResetBreaker closes the named breaker and clears its history.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	b, ok := h.lookupBreaker(w, r)
	if !ok {
		return
	}

	b.Reset()
	writeJSON(w, http.StatusOK, h.breakerView(b))
}

func (h *Handlers) lookupBreaker(w http.ResponseWriter, r *http.Request) (*circuitbreaker.CircuitBreaker, bool) {
	name := mux.Vars(r)["name"]
	b, ok := h.guard.Breakers().Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "circuit breaker not found: " + name})
		return nil, false
	}
	return b, true
}

func (h *Handlers) breakerView(b *circuitbreaker.CircuitBreaker) breakerView {
	view := breakerView{
		Stats:       b.Stats(),
		SkipSession: b.Severity() == circuitbreaker.SeverityHigh,
	}
	if view.IsOpen && view.ResetAt != nil {
		view.ResumesAt = utils.FormatClock(*view.ResetAt)
	}
	return view
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Type:  string(apperrors.GetType(err)),
	})
}

// durationString renders d so that ParseDuration reads it back.
func durationString(d time.Duration) string {
	return d.String()
}
