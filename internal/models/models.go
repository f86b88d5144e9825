package models

import "time"

// TaskStatus is the lifecycle state of an upload task
type TaskStatus string

const (
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// AuditStatus is the review state of a catalog resource. The review workflow itself
// lives in the surrounding platform; uploads only ever write AuditPending.
type AuditStatus string

const (
	AuditPending       AuditStatus = "pending"
	AuditApproved      AuditStatus = "approved"
	AuditRejected      AuditStatus = "rejected"
	AuditRemoved       AuditStatus = "removed"
	AuditRecallPending AuditStatus = "recall_pending"
)

// ValidAuditStatus reports whether s names a known audit status
func ValidAuditStatus(s string) bool {
	switch AuditStatus(s) {
	case AuditPending, AuditApproved, AuditRejected, AuditRemoved, AuditRecallPending:
		return true
	}
	return false
}

const (
	DefaultSubject = "unclassified"
	DefaultGrade   = "unspecified"
	DefaultSchool  = "unknown school"
	InitialVersion = "V1.0"
)

// Classification holds the free-form tags attached to an upload and carried to its resource
type Classification struct {
	Subject string `json:"subject"`
	Grade   string `json:"grade"`
}

// WithDefaults fills empty tags with the platform defaults
func (c Classification) WithDefaults() Classification {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Grade == "" {
		c.Grade = DefaultGrade
	}
	return c
}

// UploadTask tracks one resumable upload attempt, keyed by (Fingerprint, OwnerID)
type UploadTask struct {
	ID             string         `json:"task_id"`
	Fingerprint    string         `json:"fingerprint"`
	OwnerID        string         `json:"owner_id"`
	DisplayName    string         `json:"display_name"`
	TotalParts     int            `json:"total_parts"`
	ReceivedParts  []int          `json:"received_parts"`
	Status         TaskStatus     `json:"status"`
	Classification Classification `json:"classification"`
	ResourceID     string         `json:"resource_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasPart reports whether index has already been received
func (t *UploadTask) HasPart(index int) bool {
	for _, p := range t.ReceivedParts {
		if p == index {
			return true
		}
	}
	return false
}

// Progress returns the received percentage rounded to two decimals
func (t *UploadTask) Progress() float64 {
	return Percent(len(t.ReceivedParts), t.TotalParts)
}

// Clone returns a deep copy so callers never share the parts slice
func (t *UploadTask) Clone() *UploadTask {
	out := *t
	out.ReceivedParts = append([]int(nil), t.ReceivedParts...)
	return &out
}

// Percent returns received/total as a percentage rounded to two decimals
func Percent(received, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(received) / float64(total) * 100
	return float64(int64(p*100+0.5)) / 100
}

// Part is one staged chunk as recorded in the registry
type Part struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// PartReceipt is the registry's view of a task right after a part was recorded
type PartReceipt struct {
	Added         bool
	ReceivedCount int
	TotalParts    int
	Status        TaskStatus
}

// Complete reports whether every part of the task has been received
func (r PartReceipt) Complete() bool {
	return r.ReceivedCount == r.TotalParts
}

// Resource is a finalized, catalog-visible artifact
type Resource struct {
	ID               string         `json:"id"`
	DisplayName      string         `json:"display_name"`
	Fingerprint      string         `json:"fingerprint"`
	ArtifactLocation string         `json:"artifact_location"`
	Size             int64          `json:"size"`
	OwnerID          string         `json:"owner_id"`
	School           string         `json:"school"`
	Classification   Classification `json:"classification"`
	Version          string         `json:"version"`
	AuditStatus      AuditStatus    `json:"audit_status"`
	RecallReason     string         `json:"recall_reason,omitempty"`
	Likes            int64          `json:"likes"`
	Downloads        int64          `json:"downloads"`
	CreatedAt        time.Time      `json:"created_time"`
}

// ResourcePage is one page of an owner's resource listing
type ResourcePage struct {
	Count    int         `json:"count"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Results  []*Resource `json:"results"`
}
