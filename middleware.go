package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	integrationKey ctxKey = iota
	developerKey
)

func withIntegration(ctx context.Context, in *Integration) context.Context {
	return context.WithValue(ctx, integrationKey, in)
}

// integrationFrom returns the integration attached by IntegrationAuth, or nil.
func integrationFrom(ctx context.Context) *Integration {
	in, _ := ctx.Value(integrationKey).(*Integration)
	return in
}

func withDeveloper(ctx context.Context, d *Developer) context.Context {
	return context.WithValue(ctx, developerKey, d)
}

// developerFrom returns the developer attached by DevAuth, or nil.
func developerFrom(ctx context.Context) *Developer {
	d, _ := ctx.Value(developerKey).(*Developer)
	return d
}

// IntegrationAuth verifies client credentials from the Authorization header.
// When required is false a request without valid credentials passes through
// with no integration attached.
func (a *App) IntegrationAuth(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, secret, ok := parseBasicAuth(r.Header.Get("Authorization"))
			if !ok {
				if required {
					a.writeAPIError(w, r, errUnauthorized("Missing credentials"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			integration, err := a.credentials.Verify(r.Context(), clientID, secret)
			if err != nil {
				if required || !isKind(err, AuthenticationError) {
					a.writeAPIError(w, r, err)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if rw, ok := w.(*responseWriter); ok {
				rw.integrationID = integration.ID
			}
			next.ServeHTTP(w, r.WithContext(withIntegration(r.Context(), integration)))
		})
	}
}

// DevAuth verifies a developer session bearer token.
func (a *App) DevAuth(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				if required {
					a.writeAPIError(w, r, errUnauthorized("Missing token"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			dev, err := a.sessions.Verify(r.Context(), token)
			if err != nil {
				if required || !isKind(err, AuthenticationError) {
					a.writeAPIError(w, r, err)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(withDeveloper(r.Context(), dev)))
		})
	}
}

// CORS allows the front end at APP_URL to call the API from the browser.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origin == a.cfg.AppURL {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-integration rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	perMin   int
	mu       sync.RWMutex
}

func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   limitPerMinute,
	}
}

func (rl *RateLimiter) getLimiter(id string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[id]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[id]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)
			rl.limiters[id] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit enforces limits per authenticated integration. It must run after
// IntegrationAuth; unauthenticated requests pass through.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		integration := integrationFrom(r.Context())
		if integration == nil {
			next.ServeHTTP(w, r)
			return
		}

		if !a.limiter.getLimiter(integration.ID).Allow() {
			a.writeAPIError(w, r, errRateLimited())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// integrationOnly guards a handler with required integration credentials and
// the per-integration limiter.
func (a *App) integrationOnly(h http.HandlerFunc) http.Handler {
	return a.IntegrationAuth(true)(a.RateLimit(h))
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.integrationID != "" {
			fields = append(fields, zap.String("integration", wrapped.integrationID))
		}
		a.log.Info("request", fields...)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	integrationID string
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
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
