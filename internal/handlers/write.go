package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/maneesh/edushare/internal/chunker"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
	"github.com/maneesh/edushare/internal/upload"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("edushare-handlers")

// ChunkChecksumHeader optionally carries the SHA-256 of a chunk body
const ChunkChecksumHeader = "X-Chunk-SHA256"

// UploadHandler serves the resumable upload endpoints
type UploadHandler struct {
	svc          *upload.Service
	maxChunkSize int64
	log          *logger.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(svc *upload.Service, maxChunkSize int64, log *logger.Logger) *UploadHandler {
	return &UploadHandler{svc: svc, maxChunkSize: maxChunkSize, log: log}
}

type initRequest struct {
	Fingerprint string          `json:"fingerprint"`
	DisplayName string          `json:"display_name"`
	TotalParts  json.RawMessage `json:"total_parts"`
	Subject     string          `json:"subject"`
	Grade       string          `json:"grade"`
}

// TaskResponse is an upload task with its progress percentage
type TaskResponse struct {
	*models.UploadTask
	Progress float64 `json:"progress"`
}

func newTaskResponse(task *models.UploadTask) TaskResponse {
	return TaskResponse{UploadTask: task, Progress: task.Progress()}
}

// PartResponse answers a chunk that did not complete the upload
type PartResponse struct {
	Status        upload.OutcomeKind `json:"status"`
	Index         int                `json:"index"`
	ReceivedCount int                `json:"received_count"`
	TotalParts    int                `json:"total_parts"`
	Progress      float64            `json:"progress"`
}

// CompletedResponse answers the chunk that completed the upload
type CompletedResponse struct {
	ResourceID  string             `json:"resource_id"`
	DisplayName string             `json:"display_name"`
	Subject     string             `json:"subject"`
	Grade       string             `json:"grade"`
	AuditStatus models.AuditStatus `json:"audit_status"`
	Status      upload.OutcomeKind `json:"status"`
}

// parseTotalParts accepts a JSON number or a numeric string
func parseTotalParts(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: total_parts is required", models.ErrInvalidInput)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: total_parts must be an integer", models.ErrInvalidInput)
}

// Init handles POST /api/uploads
func (uh *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "init_upload", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	owner, _ := OwnerFrom(ctx)

	var req initRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, uh.log, fmt.Errorf("%w: malformed request body", models.ErrInvalidInput))
		return
	}
	total, err := parseTotalParts(req.TotalParts)
	if err != nil {
		writeError(w, uh.log, err)
		return
	}

	task, err := uh.svc.CreateOrResume(ctx, upload.InitRequest{
		OwnerID:     owner,
		Fingerprint: req.Fingerprint,
		DisplayName: req.DisplayName,
		TotalParts:  total,
		Classification: models.Classification{
			Subject: strings.TrimSpace(req.Subject),
			Grade:   strings.TrimSpace(req.Grade),
		},
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, uh.log, err)
		return
	}

	span.SetAttributes(attribute.String("task_id", task.ID))
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

// WritePart handles PUT /api/uploads/{fingerprint}/parts/{index}
func (uh *UploadHandler) WritePart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_part", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	owner, _ := OwnerFrom(ctx)
	vars := mux.Vars(r)
	fingerprint := vars["fingerprint"]

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, uh.log, fmt.Errorf("%w: part index must be an integer", models.ErrInvalidInput))
		return
	}
	span.SetAttributes(
		attribute.String("fingerprint", fingerprint),
		attribute.Int("part_index", index),
	)

	body := http.MaxBytesReader(w, r.Body, uh.maxChunkSize)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, uh.log, fmt.Errorf("%w: part exceeds the %d byte limit", models.ErrInvalidInput, uh.maxChunkSize))
			return
		}
		writeError(w, uh.log, fmt.Errorf("%w: failed to read part body", models.ErrInvalidInput))
		return
	}

	if sum := r.Header.Get(ChunkChecksumHeader); sum != "" && !chunker.VerifyChunkHash(payload, strings.ToLower(sum)) {
		writeError(w, uh.log, fmt.Errorf("%w: part checksum mismatch", models.ErrInvalidInput))
		return
	}

	out, err := uh.svc.WritePart(ctx, upload.PartRequest{
		OwnerID:     owner,
		Fingerprint: fingerprint,
		Index:       index,
		Payload:     payload,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, uh.log, err)
		return
	}

	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	if out.Kind == upload.OutcomeCompleted {
		res := out.Resource
		writeJSON(w, http.StatusCreated, CompletedResponse{
			ResourceID:  res.ID,
			DisplayName: res.DisplayName,
			Subject:     res.Classification.Subject,
			Grade:       res.Classification.Grade,
			AuditStatus: res.AuditStatus,
			Status:      upload.OutcomeCompleted,
		})
		return
	}

	writeJSON(w, http.StatusOK, PartResponse{
		Status:        out.Kind,
		Index:         out.Index,
		ReceivedCount: out.ReceivedCount,
		TotalParts:    out.TotalParts,
		Progress:      out.Progress,
	})
}

// Status handles GET /api/uploads/{fingerprint}
func (uh *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	task, err := uh.svc.GetStatus(r.Context(), owner, mux.Vars(r)["fingerprint"])
	if err != nil {
		writeError(w, uh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

// Reset handles POST /api/uploads/{fingerprint}/reset
func (uh *UploadHandler) Reset(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFrom(r.Context())
	task, err := uh.svc.Reset(r.Context(), owner, mux.Vars(r)["fingerprint"])
	if err != nil {
		writeError(w, uh.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}
