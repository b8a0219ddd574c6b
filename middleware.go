package main

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the identity resolved by the Authenticate middleware.
func identityFrom(r *http.Request) *Identity {
	ident, _ := r.Context().Value(identityKey).(*Identity)
	return ident
}

// clientKey picks the rate-limit key for a request: the first hop of
// X-Forwarded-For when present, else the host part of RemoteAddr.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// RateLimit gates every inbound request through the leaky bucket before any
// other processing. Rejections are 429 with no retry metadata. A store
// outage is an infrastructure failure, not backpressure: it surfaces as 503
// unless the limiter is configured to fail open.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/ready") {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := a.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			if a.failOpen {
				log.Printf("rate limit store error (failing open): %v", err)
				next.ServeHTTP(w, r)
				return
			}
			log.Printf("rate limit store error: %v", err)
			writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Admission check unavailable")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS middleware handles CORS headers against the configured origin list
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range a.allowedOrigins {
				if o == origin || o == "*" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the caller from the auth cookies. When the access
// token has gone stale and the refresh token still holds, the renewed access
// token is re-issued as a cookie before the handler runs.
func (a *App) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, newAccess, err := a.sessions.Resolve(cookieValue(r, accessCookieName), cookieValue(r, refreshCookieName))
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if newAccess != "" {
			setAccessCookie(w, newAccess, a.accessTTL)
		}
		ctx := context.WithValue(r.Context(), identityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards admin-only routes; it must run after Authenticate.
func (a *App) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := RequireRole(identityFrom(r), RoleAdmin); err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminAPIKey gates the privileged admin-creation endpoint with a static
// shared secret presented out-of-band, compared in constant time.
func (a *App) AdminAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if a.adminAPIKey == "" || key == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(a.adminAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Printf("[%s] %s %s %d %v", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
