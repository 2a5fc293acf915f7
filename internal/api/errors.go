package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ewoutbarendregt/crosscheck/internal/admission"
)

// writeError writes {"error": message} at status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStructuredError writes {"error": {code, ...details}} at status,
// per the "429 with a structured code and the observed values" rule.
func writeStructuredError(w http.ResponseWriter, status int, code string, details map[string]any) {
	body := map[string]any{"code": code}
	for k, v := range details {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// writeAdmissionError maps a Queue.Enqueue error to the appropriate HTTP
// response per the admission error model table. outcome carries whatever
// fields Enqueue populated alongside the error (quota/usage for a quota
// rejection, queueDepth/limit for a depth rejection).
func writeAdmissionError(w http.ResponseWriter, err error, outcome admission.AdmitOutcome) {
	switch {
	case errors.Is(err, admission.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrTenantQuotaExceeded):
		writeStructuredError(w, http.StatusTooManyRequests, "TenantQuotaExceeded", map[string]any{
			"tenantId": outcome.TenantID,
			"quota":    outcome.Quota,
			"usage":    map[string]int{"queued": outcome.Usage.Queued, "active": outcome.Usage.Active},
		})
	case errors.Is(err, admission.ErrQueueDepthExceeded):
		writeStructuredError(w, http.StatusTooManyRequests, "QueueDepthExceeded", map[string]any{
			"queueDepth": outcome.QueueDepth, "limit": outcome.Limit,
		})
	case errors.Is(err, admission.ErrBusUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
