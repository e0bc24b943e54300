// Package api provides HTTP API handlers and middleware.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/fixbounty/fraudguard/internal/database"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	apiKeyContextKey contextKey = "apiKey"
	requestIDKey     contextKey = "requestID"
	submissionKey    contextKey = "submission"
)

// submissionScope collects what a handler learned about the submission it
// served, for the request log and the audit trail. Handlers run on the
// request goroutine, so no locking is needed.
type submissionScope struct {
	id         string
	imageBytes int64
}

// noteSubmission records the submission a request touched and the image
// bytes it uploaded. Either may be zero.
func noteSubmission(ctx context.Context, id string, imageBytes int) {
	scope, ok := ctx.Value(submissionKey).(*submissionScope)
	if !ok {
		return
	}
	if id != "" {
		scope.id = id
	}
	scope.imageBytes += int64(imageBytes)
}

func getSubmission(ctx context.Context) submissionScope {
	if scope, ok := ctx.Value(submissionKey).(*submissionScope); ok {
		return *scope
	}
	return submissionScope{}
}

// AuthMiddleware validates bearer API keys against their stored hashes.
func AuthMiddleware(store database.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, msg := bearerToken(r)
			if msg != "" {
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			key, err := store.GetAPIKeyByHash(r.Context(), hashKey(raw))
			if err != nil {
				log.Error().Err(err).Msg("Failed to look up API key")
				writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			if key == nil {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			go func() {
				_ = store.UpdateAPIKeyLastUsed(context.Background(), key.ID, time.Now())
			}()

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken returns the key from the Authorization header, or the reason
// it could not be read.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "Missing Authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", "Invalid Authorization header format"
	}
	return token, ""
}

func hashKey(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

// RequestIDMiddleware tags each request with an ID and an empty submission
// scope for the handlers to fill.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = context.WithValue(ctx, submissionKey, &submissionScope{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs each request with the submission it served.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		event := log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", getRequestID(r.Context()))
		if sub := getSubmission(r.Context()); sub.id != "" {
			event = event.Str("submission_id", sub.id).Int64("image_bytes", sub.imageBytes)
		}
		event.Msg("Request completed")
	})
}

// AuditMiddleware writes one audit row per authenticated request, tied to
// the submission and the image bytes it carried.
func AuditMiddleware(store database.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			entry := &models.AuditLog{
				ID:           uuid.New().String(),
				Endpoint:     r.URL.Path,
				Method:       r.Method,
				RequestSize:  r.ContentLength,
				ResponseCode: wrapped.status,
				DurationMs:   time.Since(start).Milliseconds(),
				Timestamp:    start,
			}
			if key := getAPIKey(r.Context()); key != nil {
				entry.APIKeyID = key.ID
			}
			sub := getSubmission(r.Context())
			entry.SubmissionID = sub.id
			entry.ImageBytes = sub.imageBytes

			go func() {
				if err := store.LogRequest(context.Background(), entry); err != nil {
					log.Error().Err(err).Str("submission_id", entry.SubmissionID).Msg("Failed to log audit entry")
				}
			}()
		})
	}
}

// RateLimitMiddleware limits requests per API key, falling back to the
// client address.
func RateLimitMiddleware(defaultLimit int) func(http.Handler) http.Handler {
	return httprate.Limit(
		defaultLimit,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if key := getAPIKey(r.Context()); key != nil {
				return key.ID, nil
			}
			return r.RemoteAddr, nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		}),
	)
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func getAPIKey(ctx context.Context) *models.APIKey {
	if key, ok := ctx.Value(apiKeyContextKey).(*models.APIKey); ok {
		return key
	}
	return nil
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
