// Package httpapi exposes the synchronous search, autocomplete and recent
// searches endpoints next to the streaming socket and ops endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pricescout/internal/grouping"
	"pricescout/internal/metrics"
	"pricescout/internal/model"
	"pricescout/internal/orchestrator"
	"pricescout/internal/stream"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

type Suggester interface {
	Suggest(ctx context.Context, fragment string) []model.Suggestion
}

type RecentLister interface {
	Recent(ctx context.Context, limit int) ([]model.SearchResultSet, error)
}

type Config struct {
	Search  stream.Searcher
	Suggest Suggester
	Recent  RecentLister
	// Stream serves /ws/search; nil disables the socket.
	Stream  http.Handler
	Metrics *metrics.Registry
	Log     zerolog.Logger
}

type Server struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: cfg.Log.With().Str("component", "http").Logger()}
}

// Handler returns the routed handler. API requests are access-logged.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/autocomplete", s.handleAutocomplete)
	mux.HandleFunc("GET /api/recent", s.handleRecent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	var h http.Handler = mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, took time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("took", took).
			Msg("request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	h = hlog.NewHandler(s.log)(h)
	if s.cfg.Stream == nil {
		return h
	}
	// The socket bypasses the access log wrapper, which would hold the
	// hijacked connection's writer for the whole session.
	root := http.NewServeMux()
	root.Handle("GET /ws/search", s.cfg.Stream)
	root.Handle("/", h)
	return root
}

// SearchResponse is the body of a completed synchronous search.
type SearchResponse struct {
	Query       string                      `json:"query"`
	Cached      bool                        `json:"cached"`
	ResultCount int                         `json:"resultCount"`
	Groups      []grouping.ProductGroup     `json:"groups"`
	Sources     []orchestrator.SourceStatus `json:"sources"`
	// Invalid counts listings dropped for having neither URL nor name.
	Invalid int `json:"invalid"`
}

type errorResponse struct {
	Error    string                     `json:"error"`
	Failures []orchestrator.SourceError `json:"failures,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	out, err := s.cfg.Search.Orchestrate(r.Context(), q, func(model.StreamEvent) {})
	var failed *orchestrator.AllSourcesFailedError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query must have at least 2 characters"})
		return
	case errors.As(err, &failed):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: failed.Error(), Failures: failed.Failures})
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("query", q).Msg("search failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "search failed"})
		return
	}
	groups, stats := grouping.GroupWithStats(out.Set.Listings)
	if groups == nil {
		groups = []grouping.ProductGroup{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{
		Query:       out.Query,
		Cached:      out.Cached,
		ResultCount: out.Set.ResultCount,
		Groups:      groups,
		Sources:     out.Sources,
		Invalid:     stats.Invalid,
	})
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	var out []model.Suggestion
	if s.cfg.Suggest != nil {
		out = s.cfg.Suggest.Suggest(r.Context(), q)
	}
	if out == nil {
		out = []model.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "suggestions": out})
}

type recentEntry struct {
	Query       string    `json:"query"`
	ResultCount int       `json:"resultCount"`
	SearchedAt  time.Time `json:"searchedAt"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}
	out := []recentEntry{}
	if s.cfg.Recent != nil {
		sets, err := s.cfg.Recent.Recent(r.Context(), limit)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("recent searches unavailable")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "cache unavailable"})
			return
		}
		for _, set := range sets {
			out = append(out, recentEntry{Query: set.Query, ResultCount: set.ResultCount, SearchedAt: set.SearchedAt})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
