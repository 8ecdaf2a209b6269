package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

type contextKey string

const userKey contextKey = "user"

// principal resolves the forwarded X-User-ID header into an active user.
// Session issuance lives upstream; the engine trusts the gateway's header.
func (r *Router) principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw := req.Header.Get("X-User-ID")
		if raw == "" {
			apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeForbidden, "missing principal"))
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeForbidden, "malformed principal"))
			return
		}

		user, err := r.store.GetUser(req.Context(), id)
		if err != nil || !user.Active {
			apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeForbidden, "unknown or inactive principal"))
			return
		}

		ctx := context.WithValue(req.Context(), userKey, user)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// currentUser returns the authenticated user stored by the principal
// middleware. Handlers behind the middleware can rely on it being present.
func currentUser(req *http.Request) *types.User {
	user, _ := req.Context().Value(userKey).(*types.User)
	return user
}

func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		r.logger.InfoContext(req.Context(), "request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientIP(req))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses a request body, rejecting unknown garbage politely.
func decodeJSON(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeValidationError, "malformed JSON body", err)
	}
	return nil
}

func decodeJSONBytes(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.CodeValidationError, "malformed JSON body", err)
	}
	return nil
}
