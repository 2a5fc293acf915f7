package api

import (
	"net/http"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/admission"
	"github.com/ewoutbarendregt/crosscheck/internal/tenant"
	"github.com/ewoutbarendregt/crosscheck/internal/usage"
)

// NewMux builds the admission process's HTTP surface: job submission,
// the admin usage snapshot, and the usage-event webhook.
func NewMux(queue *admission.Queue, accounting *tenant.Accounting, idempotency *admission.IdempotencyCache, usageHandler *usage.Handler, auth Authenticator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/reasoning/jobs", &JobsHandler{Queue: queue, Idempotency: idempotency, Authenticator: auth})
	mux.Handle("/admin/usage", &AdminSnapshotHandler{Accounting: accounting, Authenticator: auth})
	mux.Handle("/admin/usage/events", usageHandler)
	mux.HandleFunc("/healthz", healthz)
	return mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// NewServer wraps mux in an http.Server with the reference control
// plane's standard timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
