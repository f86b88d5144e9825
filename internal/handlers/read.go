package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/maneesh/edushare/internal/catalog"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
	"github.com/maneesh/edushare/internal/upload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResourceHandler serves published resources
type ResourceHandler struct {
	catalog *catalog.Service
	log     *logger.Logger
}

// NewResourceHandler creates a new resource handler
func NewResourceHandler(svc *catalog.Service, log *logger.Logger) *ResourceHandler {
	return &ResourceHandler{catalog: svc, log: log}
}

// Get handles GET /api/resources/{id}
func (rh *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := rh.catalog.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, rh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Download handles GET /api/resources/{id}/download
func (rh *ResourceHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "download_resource", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("resource_id", id))

	res, body, size, err := rh.catalog.Download(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, rh.log, err)
		return
	}
	defer body.Close()

	filename := path.Base(res.ArtifactLocation)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := io.Copy(w, body)
	if err != nil {
		span.RecordError(err)
		rh.log.Warn("download interrupted", "resource_id", id, "written", units.BytesSize(float64(n)), "error", err)
		return
	}
	span.SetAttributes(attribute.Int64("size_bytes", n))
	rh.log.Debug("resource downloaded", "resource_id", id, "size", units.BytesSize(float64(n)), "duration", time.Since(start))
}

// Mine handles GET /api/resources/mine?status=&page=&page_size=
func (rh *ResourceHandler) Mine(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	q := r.URL.Query()

	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, rh.log, err)
		return
	}
	pageSize, err := queryInt(q.Get("page_size"), catalog.DefaultPageSize)
	if err != nil {
		writeError(w, rh.log, err)
		return
	}

	result, err := rh.catalog.ListMine(r.Context(), owner, q.Get("status"), page, pageSize)
	if err != nil {
		writeError(w, rh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", models.ErrInvalidInput, raw)
	}
	return n, nil
}

type recallRequest struct {
	Reason string `json:"reason"`
}

// Recall handles POST /api/resources/{id}/recall
func (rh *ResourceHandler) Recall(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())

	var req recallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, rh.log, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
		return
	}

	res, err := rh.catalog.Recall(r.Context(), owner, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, rh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdminTokenHeader carries the operator token for /admin endpoints
const AdminTokenHeader = "X-Admin-Token"

// AdminHandler exposes operational endpoints
type AdminHandler struct {
	svc   *upload.Service
	ttl   time.Duration
	batch int
	token []byte
	log   *logger.Logger
}

// NewAdminHandler creates the operator handler. With an empty token every admin request is refused.
func NewAdminHandler(svc *upload.Service, staleTTL time.Duration, batch int, token string, log *logger.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, ttl: staleTTL, batch: batch, token: []byte(token), log: log}
}

// Authorize admits requests carrying the configured AdminTokenHeader
func (ah *AdminHandler) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(AdminTokenHeader))
		if len(ah.token) == 0 || subtle.ConstantTimeCompare(got, ah.token) != 1 {
			writeError(w, ah.log, fmt.Errorf("%w: admin token required", models.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep handles POST /admin/sweep
func (ah *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := ah.svc.SweepStale(r.Context(), ah.ttl, ah.batch)
	if err != nil {
		writeError(w, ah.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
