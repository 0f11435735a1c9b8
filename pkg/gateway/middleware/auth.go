package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/dlp"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"github.com/synaptica-ai/partner-ingest/pkg/ratelimit"
)

type contextKey string

const (
	callerContextKey contextKey = "caller"
	callerSlotKey    contextKey = "caller_slot"
)

// Caller is the authenticated identity of a request.
type Caller struct {
	PartnerID string
	Admin     bool
	KeyPrefix string
}

// WithCaller also fills the slot Logging placed in the context, so the access
// log line names the partner.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if slot, ok := ctx.Value(callerSlotKey).(*Caller); ok {
		*slot = caller
	}
	return context.WithValue(ctx, callerContextKey, caller)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(Caller)
	return caller, ok
}

// KeyVerifier resolves an API key to its partner. ok is false for unknown
// or revoked keys.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (partnerID string, ok bool, err error)
}

type Auditor interface {
	Record(ctx context.Context, partnerID, action string, payload map[string]interface{})
}

func apiKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Identify authenticates the request as the admin (X-Admin-Key) or as a
// partner (X-API-Key or a bearer token) and stores the Caller in the context.
func Identify(verifier KeyVerifier, adminKey string, auditor Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if presented := r.Header.Get("X-Admin-Key"); presented != "" {
				if adminKey == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
					metrics.IncAuthRejected()
					auditor.Record(r.Context(), "", audit.ActionAuthInvalid, map[string]interface{}{
						"path":   r.URL.Path,
						"reason": "invalid admin key",
					})
					WriteError(w, http.StatusUnauthorized, "invalid admin key", nil)
					return
				}
				ctx := WithCaller(r.Context(), Caller{Admin: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := apiKeyFrom(r)
			if key == "" {
				WriteError(w, http.StatusUnauthorized, "missing API key", nil)
				return
			}

			partnerID, ok, err := verifier.VerifyAPIKey(r.Context(), key)
			if err != nil {
				logger.Log.WithError(err).Error("API key verification failed")
				WriteError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry", nil)
				return
			}
			if !ok {
				metrics.IncAuthRejected()
				auditor.Record(r.Context(), "", audit.ActionAuthInvalid, map[string]interface{}{
					"path":       r.URL.Path,
					"key_prefix": dlp.MaskKey(key),
				})
				WriteError(w, http.StatusUnauthorized, "invalid API key", nil)
				return
			}

			ctx := WithCaller(r.Context(), Caller{PartnerID: partnerID, KeyPrefix: dlp.MaskKey(key)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			WriteError(w, http.StatusUnauthorized, "missing admin key", nil)
			return
		}
		if !caller.Admin {
			WriteError(w, http.StatusForbidden, "admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the per-partner limit. Admin calls are not limited. A
// limiter outage lets requests through.
func RateLimit(limiter ratelimit.Limiter, auditor Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok || caller.Admin || caller.PartnerID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), caller.PartnerID)
			if err != nil {
				logger.Log.WithError(err).WithField("partner_id", caller.PartnerID).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.IncRateLimited()
				auditor.Record(r.Context(), caller.PartnerID, audit.ActionRateLimited, map[string]interface{}{
					"path":       r.URL.Path,
					"key_prefix": caller.KeyPrefix,
				})
				w.Header().Set("Retry-After", "60")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS middleware (allow basic dev flows)
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Admin-Key, X-Feed-Version, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
