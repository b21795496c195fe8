package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/qrgov/pkg/store"
)

// defaultOverviewSpan is how far back an overview looks when the caller
// gives no lower bound.
const defaultOverviewSpan = 7 * 24 * time.Hour

// WithAnalytics enables the read-only scan analytics endpoints.
func WithAnalytics(a store.Analytics) Option {
	return func(s *Server) { s.analytics = a }
}

func (s *Server) analyticsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/analytics/overview", s.handleOverview)
	mux.HandleFunc("GET /api/v1/analytics/scans", s.handleRecentScans)
	mux.HandleFunc("GET /api/v1/codes/{code}/timeline", s.handleTimeline)
}

// requireAnalytics authenticates the caller and checks analytics are wired.
func (s *Server) requireAnalytics(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := s.requireActor(w, r); !ok {
		return false
	}
	if s.analytics == nil {
		WriteNotFound(w, "analytics are not configured")
		return false
	}
	return true
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalytics(w, r) {
		return
	}
	q := r.URL.Query()
	var win store.Window
	var err error
	if win.From, err = parseTime(q.Get("from")); err != nil {
		WriteBadRequest(w, "from must be an RFC 3339 timestamp")
		return
	}
	if win.To, err = parseTime(q.Get("to")); err != nil {
		WriteBadRequest(w, "to must be an RFC 3339 timestamp")
		return
	}
	if win.From.IsZero() {
		win.From = time.Now().UTC().Add(-defaultOverviewSpan)
	}
	if !win.To.IsZero() && !win.From.Before(win.To) {
		WriteBadRequest(w, "from must be before to")
		return
	}
	top, ok := queryInt(w, q.Get("top"), "top")
	if !ok {
		return
	}
	o, err := s.analytics.ScanOverview(r.Context(), win, top)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRecentScans(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalytics(w, r) {
		return
	}
	limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	scans, err := s.analytics.RecentScans(r.Context(), limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalytics(w, r) {
		return
	}
	q, err := s.engine.Lookup(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	scans, err := s.analytics.ScanTimeline(r.Context(), q.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// queryInt parses an optional non-negative integer parameter. Zero means
// the default.
func queryInt(w http.ResponseWriter, v, name string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		WriteBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
