package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"

	"github.com/blackmichael/nearby-feeds/internal/config"
	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/geo"
	"github.com/blackmichael/nearby-feeds/internal/metrics"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP server that serves nearby feeds.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	metrics     *metrics.Metrics
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates a new HTTP server with the given feed service. A nil
// metrics disables instrumentation and the /metrics route.
func NewServer(cfg *config.Config, feedService *domain.FeedService, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		metrics:     m,
		logger:      logger,
	}

	mux := http.NewServeMux()
	s.handle(mux, "GET /health", "health", s.handleHealth)
	s.handle(mux, "GET /v1/feeds", "feeds", s.handleListFeeds)
	s.handle(mux, "GET /v1/feeds/{set}/nearby", "nearby", s.handleNearby)
	s.handle(mux, "POST /v1/feeds/{set}/invalidate", "invalidate", s.handleInvalidate)
	s.handle(mux, "POST /v1/refocus", "refocus", s.handleRefocus)
	s.handle(mux, "POST /v1/posts", "create_post", s.handleCreatePost)
	s.handle(mux, "PUT /v1/doctors/{id}/status", "doctor_status", s.handleDoctorStatus)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, withRecovery(logger, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.Handle(pattern, s.metrics.WrapHandler(route, fn))
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	sets := s.feedService.FeedSets()
	feeds := make([]feedResponse, 0, len(sets))
	for _, set := range sets {
		cfg, _ := s.feedService.FeedConfig(set)
		feeds = append(feeds, feedResponse{
			Set:              string(set),
			RadiusKm:         cfg.RadiusKm,
			TTLSeconds:       cfg.TTL.Seconds(),
			RefetchOnRefocus: cfg.RefetchOnRefocus,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	set, ok := s.feedSet(w, r)
	if !ok {
		return
	}

	q, err := parseNearbyQuery(r, set)
	if err != nil {
		s.logger.Warn("invalid nearby request", "set", set, "query", r.URL.RawQuery, "error", err)
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	res, err := s.feedService.Nearby(r.Context(), q)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("nearby request abandoned", "set", set, "error", err)
			return
		}
		s.logger.Error("failed to get nearby feed", "set", set, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	status := http.StatusOK
	if res.Error == domain.ErrorStore {
		status = http.StatusServiceUnavailable
		s.logger.Error("nearby feed store failure", "set", set, "error", res.Err)
	}
	writeJSON(w, status, toNearbyResponse(res))
}

// parseNearbyQuery reads lat, lng, radius, refetch and reason. Omitting both
// lat and lng is a location error, not a bad request; reason then names why
// the client has no position.
func parseNearbyQuery(r *http.Request, set domain.CandidateSet) (domain.Query, error) {
	params := r.URL.Query()
	q := domain.Query{Set: set}

	lat, lng := params.Get("lat"), params.Get("lng")
	switch {
	case lat == "" && lng == "":
		q.LocationErr = &domain.LocationError{Reason: parseReason(params.Get("reason"))}
	case lat == "" || lng == "":
		return q, errors.New("lat and lng must be given together")
	default:
		origin, ok := geo.ParseLocation(lat + "," + lng)
		if !ok || !origin.Valid() {
			return q, fmt.Errorf("invalid coordinates %q,%q", lat, lng)
		}
		q.Origin = &origin
	}

	if v := params.Get("radius"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
			return q, fmt.Errorf("radius must be a positive number, got %q", v)
		}
		q.RadiusKm = radius
	}

	if v := params.Get("refetch"); v != "" {
		refetch, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("refetch must be a boolean, got %q", v)
		}
		q.Refetch = refetch
	}

	return q, nil
}

func parseReason(v string) domain.LocationReason {
	switch strings.ToLower(v) {
	case "denied", "permission_denied":
		return domain.LocationPermissionDenied
	case "unsupported":
		return domain.LocationUnsupported
	case "timeout":
		return domain.LocationTimeout
	default:
		return domain.LocationUnavailable
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	set, ok := s.feedSet(w, r)
	if !ok {
		return
	}
	dropped := s.feedService.Invalidate(set)
	s.logger.Info("feed invalidated", "set", set, "dropped", dropped)
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

func (s *Server) handleRefocus(w http.ResponseWriter, _ *http.Request) {
	dropped := s.feedService.Refocus()
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	post := domain.NewPost{
		UserID:      req.UserID,
		Description: req.Description,
		ImageURL:    req.ImageURL,
	}
	switch {
	case req.Lat == nil && req.Lng == nil:
	case req.Lat == nil || req.Lng == nil:
		writeError(w, http.StatusBadRequest, "InvalidRequest", "lat and lng must be given together")
		return
	default:
		post.Location = &geo.Coordinate{Lat: *req.Lat, Lng: *req.Lng}
	}

	created, err := s.feedService.CreatePost(r.Context(), post)
	if err != nil {
		s.writeWriteError(w, "create post", err)
		return
	}

	s.logger.Info("post created", "id", created.ID, "user_id", created.UserID)
	writeJSON(w, http.StatusCreated, toPostResponse(created))
}

func (s *Server) handleDoctorStatus(w http.ResponseWriter, r *http.Request) {
	var req doctorStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "online is required")
		return
	}

	status := domain.DoctorStatus{
		DoctorID:    r.PathValue("id"),
		Online:      *req.Online,
		PhoneNumber: req.PhoneNumber,
	}
	if err := s.feedService.SetDoctorStatus(r.Context(), status); err != nil {
		s.writeWriteError(w, "set doctor status", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeWriteError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, domain.ErrReadOnly):
		writeError(w, http.StatusNotImplemented, "ReadOnly", "writes are not enabled")
	default:
		s.logger.Error("write failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to "+op)
	}
}

// feedSet resolves the {set} path value, writing a 404 when no such feed is
// configured. "doctors" is accepted for the doctor_status set.
func (s *Server) feedSet(w http.ResponseWriter, r *http.Request) (domain.CandidateSet, bool) {
	raw := r.PathValue("set")
	set := domain.CandidateSet(raw)
	if raw == "doctors" {
		set = domain.SetDoctors
	}
	if _, ok := s.feedService.FeedConfig(set); !ok {
		writeError(w, http.StatusNotFound, "UnknownFeed", fmt.Sprintf("no feed named %q", raw))
		return "", false
	}
	return set, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// withRecovery turns handler panics into 500 responses and logs them at
// error level.
func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
	)(next)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
