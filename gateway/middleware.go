// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyPrincipal contextKey = "principal"
)

// RequestIDFrom returns the request id attached by the logging middleware.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// PrincipalFrom returns the authenticated principal, nil on public routes.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(*Principal); ok {
		return p
	}
	return nil
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// reverse proxy in front of the gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// actorFrom builds the audit actor for the current request.
func actorFrom(r *http.Request) AuditActor {
	actor := AuditActor{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if p := PrincipalFrom(r.Context()); p != nil {
		actor.UserID = p.UserID
		actor.Email = p.Email
	}
	return actor
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger attaches a request id, logs the request, and feeds the
// request counter. The metric uses the route template, not the raw path,
// to keep cardinality bounded.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(ctx))
		durationMS := float64(time.Since(start).Microseconds()) / 1000.0

		promRequestsTotal.WithLabelValues(routeTemplate(r), r.Method, strconv.Itoa(recorder.status)).Inc()

		gatewayLog.InfoWithDuration(requestID, "Handled request", durationMS, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": recorder.status,
		})
	})
}

// routeTemplate collapses path variables so ids do not explode the metric
// label space.
func routeTemplate(r *http.Request) string {
	path := r.URL.Path
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if _, err := uuid.Parse(segment); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// authMiddleware validates the session cookie and attaches the principal.
// Failures are uniform 401s regardless of cause.
func (g *Gateway) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeAppError(w, ErrUnauthorized("Authentication required"))
			return
		}

		principal, err := g.tokens.ValidateSessionToken(r.Context(), cookie.Value)
		if err != nil {
			writeAppError(w, ErrUnauthorized("Authentication required"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}

// requireRole gates a handler on the listed roles. It runs inside
// authMiddleware so the principal is always present.
func (g *Gateway) requireRole(roles ...Role) func(http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFrom(r.Context())
			if principal == nil || !allowed[principal.Role] {
				writeAppError(w, ErrForbidden("Insufficient privileges"))
				return
			}
			next(w, r)
		}
	}
}

// checkRate applies a limiter policy and writes the 429 itself on
// rejection. The caller stops handling when it returns false.
func (g *Gateway) checkRate(w http.ResponseWriter, r *http.Request, domain, principal string, policy RateLimitPolicy) bool {
	_, err := g.limiter.Check(r.Context(), RateKey(domain, principal), policy)
	if err != nil {
		promRateLimitedTotal.WithLabelValues(domain).Inc()
		writeAppError(w, err)
		return false
	}
	return true
}
