// Package memstore is a process-local backend for the upload registry, catalog, blob storage
// and locks. It backs the memory storage mode and the tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/edushare/internal/models"
)

type taskKey struct {
	owner       string
	fingerprint string
}

// Store holds tasks, resources and user schools behind one mutex
type Store struct {
	mu        sync.Mutex
	tasks     map[string]*models.UploadTask
	byKey     map[taskKey]string
	parts     map[string]map[int]models.Part
	resources map[string]*models.Resource
	byFP      map[string]string
	schools   map[string]string
	now       func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		tasks:     make(map[string]*models.UploadTask),
		byKey:     make(map[taskKey]string),
		parts:     make(map[string]map[int]models.Part),
		resources: make(map[string]*models.Resource),
		byFP:      make(map[string]string),
		schools:   make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetSchool records the school of a user
func (s *Store) SetSchool(ownerID, school string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schools[ownerID] = school
}

// Touch overrides a task's last modification time
func (s *Store) Touch(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.UpdatedAt = at
	}
}

// PutResource inserts or replaces a resource directly
func (s *Store) PutResource(res *models.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.resources[res.ID] = &cp
	s.byFP[res.Fingerprint] = res.ID
}

// Parts returns the recorded parts of a task in index order
func (s *Store) Parts(taskID string) []models.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Part, 0, len(s.parts[taskID]))
	for _, p := range s.parts[taskID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// GetTask returns a copy of the task for (ownerID, fingerprint)
func (s *Store) GetTask(ctx context.Context, ownerID, fingerprint string) (*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[taskKey{ownerID, fingerprint}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.tasks[id].Clone(), nil
}

// CreateTask inserts a task; models.ErrConflict when (fingerprint, owner) is taken
func (s *Store) CreateTask(ctx context.Context, task *models.UploadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{task.OwnerID, task.Fingerprint}
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("%w: task already exists", models.ErrConflict)
	}
	cp := task.Clone()
	if cp.ReceivedParts == nil {
		cp.ReceivedParts = []int{}
	}
	s.tasks[cp.ID] = cp
	s.byKey[key] = cp.ID
	s.parts[cp.ID] = make(map[int]models.Part)
	return nil
}

// RecordPart adds a part to an in-progress task
func (s *Store) RecordPart(ctx context.Context, taskID string, part models.Part) (models.PartReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.PartReceipt{}, models.ErrNotFound
	}

	receipt := models.PartReceipt{TotalParts: t.TotalParts, Status: t.Status}
	if t.Status == models.TaskInProgress {
		if _, seen := s.parts[taskID][part.Index]; !seen {
			s.parts[taskID][part.Index] = part
			t.ReceivedParts = append(t.ReceivedParts, part.Index)
			sort.Ints(t.ReceivedParts)
			t.UpdatedAt = s.now()
			receipt.Added = true
		}
	}
	receipt.ReceivedCount = len(t.ReceivedParts)
	return receipt, nil
}

// CompleteTask publishes res and completes the task atomically
func (s *Store) CompleteTask(ctx context.Context, taskID string, res *models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status != models.TaskInProgress {
		return fmt.Errorf("%w: task is %s", models.ErrConflict, t.Status)
	}
	if _, taken := s.byFP[res.Fingerprint]; taken {
		return fmt.Errorf("%w: fingerprint already registered", models.ErrConflict)
	}

	cp := *res
	s.resources[res.ID] = &cp
	s.byFP[res.Fingerprint] = res.ID
	t.Status = models.TaskCompleted
	t.ResourceID = res.ID
	t.UpdatedAt = s.now()
	return nil
}

// AttachResource completes an in-progress task against an existing resource
func (s *Store) AttachResource(ctx context.Context, taskID, resourceID string) error {
	return s.transition(taskID, models.TaskInProgress, func(t *models.UploadTask) {
		t.Status = models.TaskCompleted
		t.ResourceID = resourceID
	})
}

// MarkFailed fails an in-progress task
func (s *Store) MarkFailed(ctx context.Context, taskID string) error {
	return s.transition(taskID, models.TaskInProgress, func(t *models.UploadTask) {
		t.Status = models.TaskFailed
	})
}

// ExpireTask fails an in-progress task last modified before the cutoff
func (s *Store) ExpireTask(ctx context.Context, taskID string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status != models.TaskInProgress || !t.UpdatedAt.Before(before) {
		return fmt.Errorf("%w: task is %s, updated %s", models.ErrConflict, t.Status, t.UpdatedAt.Format(time.RFC3339))
	}
	t.Status = models.TaskFailed
	t.UpdatedAt = s.now()
	return nil
}

// ResetTask returns a failed task to in progress with no parts
func (s *Store) ResetTask(ctx context.Context, taskID string) error {
	return s.transition(taskID, models.TaskFailed, func(t *models.UploadTask) {
		t.Status = models.TaskInProgress
		t.ReceivedParts = []int{}
		s.parts[taskID] = make(map[int]models.Part)
	})
}

func (s *Store) transition(taskID string, from models.TaskStatus, apply func(*models.UploadTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status != from {
		return fmt.Errorf("%w: task is %s", models.ErrConflict, t.Status)
	}
	apply(t)
	t.UpdatedAt = s.now()
	return nil
}

// ListStaleTasks returns in-progress tasks untouched since before, oldest first
func (s *Store) ListStaleTasks(ctx context.Context, before time.Time, limit int) ([]*models.UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UploadTask
	for _, t := range s.tasks {
		if t.Status == models.TaskInProgress && t.UpdatedAt.Before(before) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetResource returns a copy of the resource
func (s *Store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetResourceByFingerprint returns the resource published for fingerprint
func (s *Store) GetResourceByFingerprint(ctx context.Context, fingerprint string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFP[fingerprint]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s.resources[id]
	return &cp, nil
}

// ListResourcesByOwner pages through an owner's resources, newest first
func (s *Store) ListResourcesByOwner(ctx context.Context, ownerID string, status models.AuditStatus, limit, offset int) ([]*models.Resource, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Resource
	for _, r := range s.resources {
		if r.OwnerID != ownerID || (status != "" && r.AuditStatus != status) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []*models.Resource{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// UpdateAuditStatus moves a resource from one audit status to another
func (s *Store) UpdateAuditStatus(ctx context.Context, id string, from, to models.AuditStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return models.ErrNotFound
	}
	if r.AuditStatus != from {
		return fmt.Errorf("%w: resource is %s", models.ErrConflict, r.AuditStatus)
	}
	r.AuditStatus = to
	r.RecallReason = reason
	return nil
}

// IncrementDownloads bumps the download counter
func (s *Store) IncrementDownloads(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return models.ErrNotFound
	}
	r.Downloads++
	return nil
}

// SchoolOf returns the owner's school or models.ErrNotFound
func (s *Store) SchoolOf(ctx context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	school, ok := s.schools[ownerID]
	if !ok {
		return "", models.ErrNotFound
	}
	return school, nil
}
