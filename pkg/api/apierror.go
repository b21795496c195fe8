// Package api serves the lifecycle engine over HTTP. Errors are RFC 7807
// Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/qrgov/pkg/artifacts"
	"github.com/Mindburn-Labs/qrgov/pkg/product"
	"github.com/Mindburn-Labs/qrgov/pkg/qrcode"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Reason carries the scan rejection reason, when there is one.
	Reason string `json:"reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://qrgov.dev/errors/%d", p.Status)
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError with the request path as instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail, Instance: r.URL.Path})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// errorStatus maps a domain error onto an HTTP status and title. ok is
// false for errors that must not reach the client.
func errorStatus(err error) (status int, title string, ok bool) {
	switch {
	case errors.Is(err, qrcode.ErrNotFound), errors.Is(err, product.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound, "Not Found", true
	case errors.Is(err, qrcode.ErrForbidden):
		return http.StatusForbidden, "Forbidden", true
	case errors.Is(err, qrcode.ErrInvalidPolicy), errors.Is(err, qrcode.ErrInvalidLimit),
		errors.Is(err, qrcode.ErrInvalidMode), errors.Is(err, qrcode.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "Unprocessable Entity", true
	case errors.Is(err, qrcode.ErrTerminal), errors.Is(err, qrcode.ErrAlreadyTerminal):
		return http.StatusConflict, "Conflict", true
	case errors.Is(err, qrcode.ErrTransient):
		return http.StatusServiceUnavailable, "Service Unavailable", true
	}
	return 0, "", false
}

// WriteDomainError writes the problem response for an engine error.
// Unknown errors become a sanitized 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, ok := errorStatus(err)
	if !ok {
		WriteInternal(w, err)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteErrorR(w, r, status, title, err.Error())
}
