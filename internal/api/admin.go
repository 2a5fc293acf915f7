package api

import (
	"encoding/json"
	"net/http"

	"github.com/ewoutbarendregt/crosscheck/internal/tenant"
)

// AdminSnapshotHandler serves GET /admin/usage.
type AdminSnapshotHandler struct {
	Accounting    *tenant.Accounting
	Authenticator Authenticator
}

func (h *AdminSnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	auth := h.Authenticator
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	principal, err := auth.Authenticate(r)
	if err != nil || !principal.IsAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Accounting.Snapshot())
}
