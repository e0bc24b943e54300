package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fixbounty/fraudguard/internal/database"
	"github.com/fixbounty/fraudguard/internal/fraud"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/submission"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Evaluator runs the full submission evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req submission.Request) (*models.Decision, error)
}

// SlowCheckQueue stores slow-check jobs.
type SlowCheckQueue interface {
	Enqueue(ctx context.Context, submissionID, imageReference string, role models.ImageRole) bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains all HTTP handlers.
type Handler struct {
	evaluator      Evaluator
	checker        submission.FastChecker
	queue          SlowCheckQueue
	store          database.Store
	maxUploadBytes int64
}

// NewHandler creates a new handler. queue may be nil when slow checks are disabled.
func NewHandler(evaluator Evaluator, checker submission.FastChecker, queue SlowCheckQueue, store database.Store, maxUploadMB int64) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 20
	}
	return &Handler{
		evaluator:      evaluator,
		checker:        checker,
		queue:          queue,
		store:          store,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if p, ok := h.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("Health check database ping failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// EvaluateSubmission scores an uploaded fix submission. Multipart fields:
// after (file, required), before (file), submission_id, description,
// reward_amount, latitude, longitude, image_reference, image_role.
func (h *Handler) EvaluateSubmission(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	after, err := formFile(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if after == nil {
		writeError(w, http.StatusBadRequest, "after image is required")
		return
	}
	before, err := formFile(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	noteSubmission(r.Context(), strings.TrimSpace(r.FormValue("submission_id")), len(after)+len(before))

	gps, err := parseGPS(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := parseRole(r.FormValue("image_role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reward := 0.0
	if v := strings.TrimSpace(r.FormValue("reward_amount")); v != "" {
		reward, err = strconv.ParseFloat(v, 64)
		if err != nil || reward < 0 {
			writeError(w, http.StatusBadRequest, "reward_amount must be a non-negative number")
			return
		}
	}

	decision, err := h.evaluator.Evaluate(r.Context(), submission.Request{
		SubmissionID:   strings.TrimSpace(r.FormValue("submission_id")),
		Description:    r.FormValue("description"),
		RewardAmount:   reward,
		ExpectedGPS:    gps,
		After:          after,
		Before:         before,
		ImageReference: strings.TrimSpace(r.FormValue("image_reference")),
		ImageRole:      role,
	})
	if err != nil {
		h.checkFailed(w, err)
		return
	}
	noteSubmission(r.Context(), decision.SubmissionID, 0)

	writeJSON(w, http.StatusOK, decision)
}

// FastCheck runs only the fast fraud checks on an uploaded image. Multipart
// fields: image (file, required), submission_id, image_role, latitude, longitude.
func (h *Handler) FastCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	image, err := formFile(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if image == nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	noteSubmission(r.Context(), strings.TrimSpace(r.FormValue("submission_id")), len(image))
	gps, err := parseGPS(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := parseRole(r.FormValue("image_role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.checker.RunFastChecks(r.Context(), fraud.Request{
		SubmissionID: strings.TrimSpace(r.FormValue("submission_id")),
		ImageRole:    role,
		Image:        image,
		ExpectedGPS:  gps,
	})
	if err != nil {
		h.checkFailed(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) checkFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, fraud.ErrEmptyImage) {
		writeError(w, http.StatusBadRequest, "image is empty")
		return
	}
	log.Error().Err(err).Msg("Fraud check failed")
	writeError(w, http.StatusInternalServerError, "Fraud check failed: "+err.Error())
}

// QueueSlowCheck stores a deferred check for an image reference.
func (h *Handler) QueueSlowCheck(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "Slow checks are disabled")
		return
	}

	var req models.SlowCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SubmissionID) == "" || strings.TrimSpace(req.ImageReference) == "" {
		writeError(w, http.StatusBadRequest, "submission_id and image_reference are required")
		return
	}
	noteSubmission(r.Context(), req.SubmissionID, 0)
	if req.ImageRole == "" {
		req.ImageRole = models.RoleSubmittedFix
	}
	if !req.ImageRole.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid image_role")
		return
	}

	if !h.queue.Enqueue(r.Context(), req.SubmissionID, req.ImageReference, req.ImageRole) {
		writeError(w, http.StatusServiceUnavailable, "Failed to queue slow check")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued":        true,
		"submission_id": req.SubmissionID,
	})
}

// ListSlowChecks returns slow-check jobs, optionally filtered by status.
func (h *Handler) ListSlowChecks(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.JobPending, models.JobProcessing, models.JobDone, models.JobFailed:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	limit, _ := pagination(r, 50)

	jobs, err := h.store.ListSlowCheckJobs(r.Context(), status, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list slow checks")
		writeError(w, http.StatusInternalServerError, "Failed to list slow checks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"limit": limit,
	})
}

// GetSlowCheck returns a slow-check job by ID.
func (h *Handler) GetSlowCheck(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetSlowCheckJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to get slow check")
		writeError(w, http.StatusInternalServerError, "Failed to get slow check")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Slow check not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListFlags returns the fraud flags recorded for a submission.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	noteSubmission(r.Context(), id, 0)
	flags, err := h.store.ListFlags(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list flags")
		writeError(w, http.StatusInternalServerError, "Failed to list flags")
		return
	}
	if flags == nil {
		flags = []*models.FraudFlag{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"submission_id": id,
		"flags":         flags,
	})
}

// GetFraudCheck returns a stored fast-check result by ID.
func (h *Handler) GetFraudCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.GetFraudCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to get fraud check")
		writeError(w, http.StatusInternalServerError, "Failed to get result")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "Result not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListFraudChecks returns paginated fast-check results.
func (h *Handler) ListFraudChecks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	results, err := h.store.ListFraudChecks(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list results")
		writeError(w, http.StatusInternalServerError, "Failed to list results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetAuditLogs returns paginated audit logs.
func (h *Handler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	logs, err := h.store.GetAuditLogs(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get audit logs")
		writeError(w, http.StatusInternalServerError, "Failed to get audit logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateAPIKey creates a new API key.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string `json:"name"`
		RequestsPerMinute int    `json:"requests_per_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}
	rawKey := "fg_" + base64.URLEncoding.EncodeToString(keyBytes)

	if req.RequestsPerMinute <= 0 {
		req.RequestsPerMinute = 60
	}

	apiKey := &models.APIKey{
		ID:                uuid.New().String(),
		KeyHash:           hashKey(rawKey),
		Name:              req.Name,
		RequestsPerMinute: req.RequestsPerMinute,
		CreatedAt:         time.Now(),
	}

	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		log.Error().Err(err).Msg("Failed to create API key")
		writeError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	// Return the raw key only once
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":                  apiKey.ID,
		"key":                 rawKey,
		"name":                apiKey.Name,
		"requests_per_minute": apiKey.RequestsPerMinute,
		"created_at":          apiKey.CreatedAt,
	})
}

// ListAPIKeys lists all API keys (without the actual keys).
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list API keys")
		writeError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": keys,
	})
}

// DeleteAPIKey deletes an API key.
func (h *Handler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ID is required")
		return
	}

	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		log.Error().Err(err).Msg("Failed to delete API key")
		writeError(w, http.StatusInternalServerError, "Failed to delete API key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("upload exceeds %d bytes", h.maxUploadBytes)
		}
		return fmt.Errorf("invalid multipart form: %w", err)
	}
	return nil
}

// formFile reads an uploaded file, returning nil when the field is absent.
func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s upload: %w", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s upload: %w", field, err)
	}
	return data, nil
}

// parseGPS reads latitude and longitude; both or neither must be present.
func parseGPS(r *http.Request) (*models.GPSPoint, error) {
	latStr := strings.TrimSpace(r.FormValue("latitude"))
	lonStr := strings.TrimSpace(r.FormValue("longitude"))
	if latStr == "" && lonStr == "" {
		return nil, nil
	}
	if latStr == "" || lonStr == "" {
		return nil, errors.New("latitude and longitude must be given together")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, errors.New("latitude must be between -90 and 90")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, errors.New("longitude must be between -180 and 180")
	}
	return &models.GPSPoint{Latitude: lat, Longitude: lon}, nil
}

func parseRole(v string) (models.ImageRole, error) {
	role := models.ImageRole(strings.TrimSpace(v))
	if role == "" {
		return models.RoleSubmittedFix, nil
	}
	if !role.Valid() {
		return "", fmt.Errorf("invalid image_role %q", v)
	}
	return role, nil
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
