package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"assetsync/internal/config"
	"assetsync/internal/database"
	"assetsync/internal/events"
	"assetsync/internal/metrics"
	"assetsync/internal/models"
	"assetsync/internal/service"
	"assetsync/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer exposes the sync core to collaborators: enqueue, queue status,
// conflicts, resolution, sync log, manual trigger and the websocket push
// channel.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    *service.SyncService
	worker *worker.Worker
	hub    *Hub
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc *service.SyncService, syncWorker *worker.Worker,
	broadcaster *events.Broadcaster, logger zerolog.Logger) *HTTPServer {

	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		worker: syncWorker,
		hub:    NewHub(logger),
		logger: logger.With().Str("component", "http_server").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)
	srv.hub.Attach(broadcaster)

	mux.HandleFunc("/api/v1/sync/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/sync/queue/status", srv.handleQueueStatus)
	mux.HandleFunc("/api/v1/sync/conflicts", srv.handleConflicts)
	mux.HandleFunc("/api/v1/sync/conflicts/", srv.handleResolveConflict)
	mux.HandleFunc("/api/v1/sync/batches", srv.handleBatches)
	mux.HandleFunc("/api/v1/sync/run", srv.handleRun)
	mux.HandleFunc("/api/v1/sync/ws", srv.hub.HandleSubscribe)
	mux.HandleFunc("/healthz", srv.handleHealth)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// handleQueue accepts a local modification and returns the queued item.
func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("enqueue")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req service.EnqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrDuplicatePending):
			writeError(w, http.StatusConflict, err.Error())
		case isValidationError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error().Err(err).Msg("enqueue failed")
			writeError(w, http.StatusInternalServerError, "enqueue failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("queue_status")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	counts, err := s.svc.QueueStatus(r.Context(), org)
	if err != nil {
		s.logger.Error().Err(err).Msg("queue status failed")
		writeError(w, http.StatusInternalServerError, "queue status failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"organization_id": org, "counts": counts})
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("conflicts")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	conflicts, err := s.svc.ListConflicts(r.Context(), org, status, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conflicts failed")
		writeError(w, http.StatusInternalServerError, "list conflicts failed")
		return
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "limit": limit, "offset": offset})
}

// handleResolveConflict serves POST /api/v1/sync/conflicts/{id}/resolve.
func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("resolve_conflict")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/sync/conflicts/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	idStr, action, ok := strings.Cut(rest, "/")
	if !ok || action != "resolve" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conflictID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var body struct {
		Resolution string         `json:"resolution"`
		MergedData map[string]any `json:"merged_data"`
		ResolvedBy string         `json:"resolved_by"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = clientName(r, s.auth)
	}

	item, err := s.svc.Resolve(r.Context(), service.ResolveRequest{
		ConflictID: conflictID,
		Resolution: body.Resolution,
		MergedData: body.MergedData,
		ResolvedBy: body.ResolvedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, database.ErrConflictNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, database.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrInvalidResolution), errors.Is(err, service.ErrMergedDataRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, database.ErrDuplicatePending):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error().Err(err).Int64("conflict_id", conflictID).Msg("resolve failed")
			writeError(w, http.StatusInternalServerError, "resolve failed")
		}
		return
	}

	resp := map[string]any{"resolved": true}
	if item != nil {
		resp["queue_item"] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleBatches(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("batches")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	batches, err := s.svc.ListBatches(r.Context(), org, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list batches failed")
		writeError(w, http.StatusInternalServerError, "list batches failed")
		return
	}
	if batches == nil {
		batches = []models.SyncBatch{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"batches": batches, "limit": limit, "offset": offset})
}

// handleRun triggers a manual sync run. A run already in progress is not an
// error: the trigger coalesces and the caller gets 202 with already_running.
func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("run")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		OrganizationID string `json:"organization_id"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.OrganizationID) == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	err := s.worker.TriggerAsync(r.Context(), body.OrganizationID, models.TriggerManual)
	if errors.Is(err, worker.ErrSyncAlreadyRunning) {
		writeJSON(w, http.StatusAccepted, map[string]any{"started": false, "already_running": true})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("manual trigger failed")
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// HTTPAuth provides API-key auth and per-key rate limiting.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = errors.New("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKeyHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = "x-api-key"
	}

	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if apiKey == "" {
		return errors.New("missing api key header")
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return errors.New("invalid api key")
	}

	return a.checkPermissions(client, r)
}

func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	for key, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return client, true
		}
	}
	return config.APIClientKey{}, false
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermission(r)
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermission(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == "/api/v1/sync/queue" && r.Method == http.MethodPost:
		return "write:queue"
	case strings.HasPrefix(path, "/api/v1/sync/conflicts/") && r.Method == http.MethodPost:
		return "write:conflicts"
	case path == "/api/v1/sync/run":
		return "write:run"
	case strings.HasPrefix(path, "/api/v1/sync"):
		return "read:sync"
	}
	return ""
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	key := strings.TrimSpace(r.Header.Get(a.cfg.Auth.HeaderAPIKey))
	if key == "" {
		key = "anonymous"
	}

	if !a.getLimiter(key).Allow() {
		return errors.New("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}

func clientName(r *http.Request, auth *HTTPAuth) string {
	key := strings.TrimSpace(r.Header.Get(auth.cfg.Auth.HeaderAPIKey))
	if client, ok := auth.clients[key]; ok && client.Name != "" {
		return client.Name
	}
	return "api"
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrInvalidOperation) ||
		errors.Is(err, service.ErrMissingEntity) ||
		errors.Is(err, service.ErrMissingOrg) ||
		errors.Is(err, service.ErrEmptyPayload)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the websocket upgrade working through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
