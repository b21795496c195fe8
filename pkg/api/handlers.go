package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/qrgov/pkg/audit"
	"github.com/Mindburn-Labs/qrgov/pkg/lifecycle"
	"github.com/Mindburn-Labs/qrgov/pkg/limiter"
	"github.com/Mindburn-Labs/qrgov/pkg/product"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
	"github.com/Mindburn-Labs/qrgov/pkg/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ActorResolver returns the caller identity attached to ctx.
type ActorResolver func(ctx context.Context) (lifecycle.Actor, error)

// Server exposes the engine over HTTP.
type Server struct {
	engine    *lifecycle.Engine
	directory product.Directory
	exporter  *audit.Exporter
	analytics store.Analytics
	limiter   limiter.LimiterStore
	scanLimit limiter.Policy
	actor     ActorResolver
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithExporter enables the audit export endpoint.
func WithExporter(x *audit.Exporter) Option {
	return func(s *Server) { s.exporter = x }
}

// WithScanRateLimit throttles the public scan endpoint per client IP.
func WithScanRateLimit(store limiter.LimiterStore, policy limiter.Policy) Option {
	return func(s *Server) {
		s.limiter = store
		s.scanLimit = policy
	}
}

// WithActorResolver sets how administrative handlers identify the caller.
func WithActorResolver(fn ActorResolver) Option {
	return func(s *Server) { s.actor = fn }
}

func NewServer(engine *lifecycle.Engine, directory product.Directory, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		directory: directory,
		actor: func(context.Context) (lifecycle.Actor, error) {
			return lifecycle.Actor{}, errors.New("no actor resolver configured")
		},
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /s/{code}", s.handleScan)

	mux.HandleFunc("POST /api/v1/codes", s.handleIssue)
	mux.HandleFunc("GET /api/v1/codes", s.handleList)
	mux.HandleFunc("GET /api/v1/codes/{code}", s.handleGet)
	mux.HandleFunc("GET /api/v1/codes/{code}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/codes/{code}/preview", s.handlePreview)
	mux.HandleFunc("POST /api/v1/codes/{code}/revoke", s.handleRevoke)
	mux.HandleFunc("PUT /api/v1/codes/{code}/status", s.handleSetStatus)
	mux.HandleFunc("POST /api/v1/codes/{code}/export", s.handleExport)
	s.analyticsRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type issueRequest struct {
	ProductID       string          `json:"product_id"`
	ReusableMode    string          `json:"reusable_mode"`
	ReuseLimit      *int            `json:"reuse_limit,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	LifecyclePolicy json.RawMessage `json:"lifecycle_policy,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := qrcode.ParseReusableMode(req.ReusableMode)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	q, err := s.engine.Issue(r.Context(), lifecycle.IssueRequest{
		ProductID:       req.ProductID,
		ReusableMode:    mode,
		ReuseLimit:      req.ReuseLimit,
		Payload:         req.Payload,
		LifecyclePolicy: req.LifecyclePolicy,
		Actor:           actor,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/codes/"+q.Code)
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		ProductID: q.Get("product_id"),
		Status:    qrcode.Status(strings.ToUpper(q.Get("status"))),
		State:     qrcode.LifecycleState(strings.ToUpper(q.Get("state"))),
	}
	limit, ok := queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	f.Limit = limit
	codes, err := s.engine.List(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if codes == nil {
		codes = []qrcode.QrCode{}
	}
	writeJSON(w, http.StatusOK, codes)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	q, err := s.engine.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	q, err := s.engine.Lookup(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	events, err := s.engine.ListEvents(r.Context(), q.ID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	d, err := s.engine.Preview(r.Context(), r.PathValue("code"), r.URL.Query().Get("status"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	q, err := s.engine.Revoke(r.Context(), r.PathValue("code"), actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := qrcode.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	q, err := s.engine.SetStatus(r.Context(), r.PathValue("code"), status, actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "exporting requires role "+lifecycle.RoleAdmin)
		return
	}
	if s.exporter == nil {
		WriteNotFound(w, "audit export is not configured")
		return
	}
	hash, err := s.exporter.Export(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"hash": hash})
}

type scanResponse struct {
	Accepted       bool                  `json:"accepted"`
	Reason         qrcode.Reason         `json:"reason,omitempty"`
	ReuseCount     int                   `json:"reuse_count"`
	LifecycleState qrcode.LifecycleState `json:"lifecycle_state"`
	Variant        string                `json:"variant"`
	RedirectURL    string                `json:"redirect_url,omitempty"`
}

// handleScan is the public redemption endpoint behind the printed code.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)
	if !s.allowScan(ctx, ip) {
		WriteTooManyRequests(w, 5)
		return
	}

	code := r.PathValue("code")
	q, err := s.engine.Lookup(ctx, code)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	status, err := s.directory.LifecycleStatus(ctx, q.ProductID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	res, err := s.engine.RecordScanFrom(ctx, code, status, lifecycle.Client{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	out := scanResponse{
		Accepted:       res.Accepted,
		Reason:         res.Reason,
		ReuseCount:     res.Code.ReuseCount,
		LifecycleState: res.Code.LifecycleState,
		Variant:        res.Code.RenderVariant(),
	}
	if !res.Accepted {
		writeJSON(w, http.StatusForbidden, out)
		return
	}
	out.RedirectURL = redirectURL(res.Code.Payload)
	writeJSON(w, http.StatusOK, out)
}

// allowScan fails open when the limiter store is unreachable so an outage
// of the limiter never blocks redemption.
func (s *Server) allowScan(ctx context.Context, key string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, "scan:"+key, s.scanLimit, 1)
	if err != nil {
		s.logger.WarnContext(ctx, "scan rate limiter unavailable", "error", err)
		return true
	}
	return ok
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	actor, err := s.actor(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return lifecycle.Actor{}, false
	}
	return actor, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// redirectURL extracts payload.redirect_url, if present.
func redirectURL(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p struct {
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.RedirectURL
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
