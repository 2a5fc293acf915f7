package usage

import (
	"encoding/json"
	"net/http"

	"github.com/ewoutbarendregt/crosscheck/internal/model"
)

// Accounting is the subset of tenant.Accounting the handler needs.
type Accounting interface {
	OnTerminal(tenantID string, eventType model.UsageEventType)
}

// Handler serves POST /admin/usage/events.
type Handler struct {
	Accounting Accounting
	Secret     string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Secret != "" && r.Header.Get("x-usage-secret") != h.Secret {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var event model.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.TenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenantId is required")
		return
	}
	if !event.Type.Valid() {
		writeJSONError(w, http.StatusBadRequest, "type must be one of started, completed, failed, rejected")
		return
	}

	h.Accounting.OnTerminal(event.TenantID, event.Type)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
