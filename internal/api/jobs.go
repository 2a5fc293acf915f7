package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ewoutbarendregt/crosscheck/internal/admission"
	"github.com/ewoutbarendregt/crosscheck/internal/model"
)

// jobSubmission is the inbound request body for POST /reasoning/jobs.
type jobSubmission struct {
	Claim    string            `json:"claim"`
	Context  model.JobContext  `json:"context"`
	Criteria []model.Criterion `json:"criteria"`
}

// JobsHandler serves POST /reasoning/jobs.
type JobsHandler struct {
	Queue         *admission.Queue
	Idempotency   *admission.IdempotencyCache // optional
	Authenticator Authenticator
}

func (h *JobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.authenticator().Authenticate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to resolve caller identity")
		return
	}
	if principal.TenantID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant id")
		return
	}

	var body jobSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID := uuid.NewString()

	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && h.Idempotency != nil {
		reserved, existingID, err := h.Idempotency.TryReserve(r.Context(), principal.TenantID, key, jobID)
		if err == nil && !reserved {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"jobId": existingID, "status": "queued"})
			return
		}
	}

	job := model.ReasoningJob{
		JobID:    jobID,
		TenantID: principal.TenantID,
		Claim:    body.Claim,
		Context:  body.Context,
		Criteria: body.Criteria,
	}

	outcome, err := h.Queue.Enqueue(r.Context(), job)
	if err != nil {
		writeAdmissionError(w, err, outcome)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobId":      job.JobID,
		"status":     "queued",
		"queueDepth": outcome.QueueDepth,
		"position":   outcome.Position,
		"quota":      outcome.Quota,
		"usage": map[string]int{
			"queued": outcome.Usage.Queued,
			"active": outcome.Usage.Active,
		},
	})
}

func (h *JobsHandler) authenticator() Authenticator {
	if h.Authenticator != nil {
		return h.Authenticator
	}
	return HeaderAuthenticator{}
}
