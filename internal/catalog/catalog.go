// Package catalog serves published resources to their owners: lookups, listings,
// downloads and recall requests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("edushare-catalog")

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Store is the durable resource catalog
type Store interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	ListResourcesByOwner(ctx context.Context, ownerID string, status models.AuditStatus, limit, offset int) ([]*models.Resource, int, error)
	UpdateAuditStatus(ctx context.Context, id string, from, to models.AuditStatus, reason string) error
	IncrementDownloads(ctx context.Context, id string) error
}

// Cache is a read-through resource cache. GetResource returns nil, nil on a miss.
type Cache interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	SetResource(ctx context.Context, res *models.Resource) error
	InvalidateResource(ctx context.Context, id string) error
}

// Artifacts opens assembled artifacts for download
type Artifacts interface {
	OpenArtifact(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Service serves published resources to their owners and readers
type Service struct {
	store     Store
	cache     Cache
	artifacts Artifacts
	log       *logger.Logger
}

// New creates a catalog service
func New(store Store, cache Cache, artifacts Artifacts, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: store, cache: cache, artifacts: artifacts, log: log}
}

// Get returns a resource, trying the cache first
func (s *Service) Get(ctx context.Context, id string) (*models.Resource, error) {
	ctx, span := tracer.Start(ctx, "catalog.get", trace.WithAttributes(attribute.String("resource_id", id)))
	defer span.End()

	if s.cache != nil {
		if res, err := s.cache.GetResource(ctx, id); err != nil {
			s.log.Warn("resource cache read failed", "resource_id", id, "error", err)
		} else if res != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return res, nil
		}
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	res, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetResource(ctx, res); err != nil {
			s.log.Warn("resource cache write failed", "resource_id", id, "error", err)
		}
	}
	return res, nil
}

func (s *Service) lookup(ctx context.Context, id string) (*models.Resource, error) {
	res, err := s.store.GetResource(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: resource %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: lookup resource: %v", models.ErrStorageIO, err)
	}
	return res, nil
}

// ListMine pages through the owner's resources, newest first. An empty status lists all.
func (s *Service) ListMine(ctx context.Context, ownerID, status string, page, pageSize int) (*models.ResourcePage, error) {
	if status != "" && !models.ValidAuditStatus(status) {
		return nil, fmt.Errorf("%w: unknown audit status %q", models.ErrInvalidInput, status)
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	results, total, err := s.store.ListResourcesByOwner(ctx, ownerID, models.AuditStatus(status), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: list resources: %v", models.ErrStorageIO, err)
	}
	if results == nil {
		results = []*models.Resource{}
	}
	return &models.ResourcePage{Count: total, Page: page, PageSize: pageSize, Results: results}, nil
}

// Recall asks for an approved resource to be taken down. Only its owner may ask.
func (s *Service) Recall(ctx context.Context, ownerID, id, reason string) (*models.Resource, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a recall reason is required", models.ErrInvalidInput)
	}

	res, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: resource %s", models.ErrNotFound, id)
	}
	if res.AuditStatus != models.AuditApproved {
		return nil, fmt.Errorf("%w: only approved resources can be recalled, resource is %s", models.ErrInvalidInput, res.AuditStatus)
	}

	if err := s.store.UpdateAuditStatus(ctx, id, models.AuditApproved, models.AuditRecallPending, reason); err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update audit status: %v", models.ErrStorageIO, err)
	}
	s.invalidate(ctx, id)

	res.AuditStatus = models.AuditRecallPending
	res.RecallReason = reason
	s.log.Info("resource recall requested", "resource_id", id, "owner_id", ownerID)
	return res, nil
}

// Download opens the artifact of a resource and counts the download
func (s *Service) Download(ctx context.Context, id string) (*models.Resource, io.ReadCloser, int64, error) {
	ctx, span := tracer.Start(ctx, "catalog.download", trace.WithAttributes(attribute.String("resource_id", id)))
	defer span.End()

	res, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, 0, err
	}

	rc, size, err := s.artifacts.OpenArtifact(ctx, res.ArtifactLocation)
	if err != nil {
		span.RecordError(err)
		return nil, nil, 0, fmt.Errorf("%w: open artifact: %v", models.ErrStorageIO, err)
	}

	if err := s.store.IncrementDownloads(ctx, id); err != nil {
		s.log.Warn("failed to count download", "resource_id", id, "error", err)
	} else {
		res.Downloads++
		s.invalidate(ctx, id)
	}
	return res, rc, size, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateResource(ctx, id); err != nil {
		s.log.Warn("resource cache invalidation failed", "resource_id", id, "error", err)
	}
}
