package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Routes bundles the handlers served by NewRouter
type Routes struct {
	Uploads   *UploadHandler
	Resources *ResourceHandler
	Admin     *AdminHandler
	Identity  *Identity
	// Ready reports backend health for /health; nil means always healthy.
	Ready func(ctx context.Context) error
}

// NewRouter wires every endpoint with tracing; /api routes require an owner identity and /admin routes the admin token
func NewRouter(rt Routes) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if rt.Ready != nil {
			if err := rt.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	traced := func(name string, h http.HandlerFunc) http.Handler {
		return otelhttp.NewHandler(h, name)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(rt.Identity.Middleware)

	api.Handle("/uploads", traced("POST /api/uploads", rt.Uploads.Init)).Methods(http.MethodPost)
	api.Handle("/uploads/{fingerprint}", traced("GET /api/uploads/{fingerprint}", rt.Uploads.Status)).Methods(http.MethodGet)
	api.Handle("/uploads/{fingerprint}/parts/{index}",
		traced("PUT /api/uploads/{fingerprint}/parts/{index}", rt.Uploads.WritePart)).Methods(http.MethodPut)
	api.Handle("/uploads/{fingerprint}/reset", traced("POST /api/uploads/{fingerprint}/reset", rt.Uploads.Reset)).Methods(http.MethodPost)

	api.Handle("/resources/mine", traced("GET /api/resources/mine", rt.Resources.Mine)).Methods(http.MethodGet)
	api.Handle("/resources/{id}", traced("GET /api/resources/{id}", rt.Resources.Get)).Methods(http.MethodGet)
	api.Handle("/resources/{id}/download", traced("GET /api/resources/{id}/download", rt.Resources.Download)).Methods(http.MethodGet)
	api.Handle("/resources/{id}/recall", traced("POST /api/resources/{id}/recall", rt.Resources.Recall)).Methods(http.MethodPost)

	if rt.Admin != nil {
		admin := router.PathPrefix("/admin").Subrouter()
		admin.Use(rt.Admin.Authorize)
		admin.Handle("/sweep", traced("POST /admin/sweep", rt.Admin.Sweep)).Methods(http.MethodPost)
	}

	return router
}
