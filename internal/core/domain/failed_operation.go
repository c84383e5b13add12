package domain

import (
	"encoding/json"
	"time"
)

// FailedOperation is a unit of work that exhausted the synchronous
// resilience path and now waits in the dead letter queue.
type FailedOperation struct {
	ID            string          `json:"id"                      db:"id"`
	Type          OperationType   `json:"type"                    db:"type"`
	VenueID       string          `json:"venue_id,omitempty"      db:"venue_id"`
	Platform      string          `json:"platform,omitempty"      db:"platform"`
	Error         string          `json:"error"                   db:"error"`
	Stack         string          `json:"stack,omitempty"         db:"stack"`
	Attempts      int             `json:"attempts"                db:"attempts"`
	MaxAttempts   int             `json:"max_attempts"            db:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"              db:"created_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at"         db:"last_attempt_at"`
	NextRetryAt   *time.Time      `json:"next_retry_at"           db:"next_retry_at"`
	Status        OperationStatus `json:"status"                  db:"status"`
	Context       json.RawMessage `json:"context,omitempty"       db:"context"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"   db:"resolved_at"`
	ManualReason  string          `json:"manual_reason,omitempty" db:"manual_reason"`
}

// Retryable reports whether the operation is due for replay at now.
func (op *FailedOperation) Retryable(now time.Time) bool {
	return op.Status == OperationStatusPendingRetry &&
		op.NextRetryAt != nil &&
		!op.NextRetryAt.After(now) &&
		op.Attempts < op.MaxAttempts
}

type OperationType string

const (
	OperationTypeDiscovery         OperationType = "discovery"
	OperationTypeDishExtraction    OperationType = "dish_extraction"
	OperationTypeVenueVerification OperationType = "venue_verification"
	OperationTypeMenuScrape        OperationType = "menu_scrape"
)

// OperationTypes lists every known operation type.
var OperationTypes = []OperationType{
	OperationTypeDiscovery,
	OperationTypeDishExtraction,
	OperationTypeVenueVerification,
	OperationTypeMenuScrape,
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

type OperationStatus string

const (
	OperationStatusPendingRetry   OperationStatus = "pending_retry"
	OperationStatusRequiresManual OperationStatus = "requires_manual"
	OperationStatusResolved       OperationStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationStatusPendingRetry, OperationStatusRequiresManual, OperationStatusResolved:
		return true
	}
	return false
}

// OperationFilter selects failed operations. Zero fields match everything.
type OperationFilter struct {
	Statuses      []OperationStatus
	Type          OperationType
	Platform      string
	VenueID       string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// Match reports whether op satisfies the filter (Limit is ignored).
func (f OperationFilter) Match(op *FailedOperation) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if op.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && op.Type != f.Type {
		return false
	}
	if f.Platform != "" && op.Platform != f.Platform {
		return false
	}
	if f.VenueID != "" && op.VenueID != f.VenueID {
		return false
	}
	if !f.CreatedAfter.IsZero() && op.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !op.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// OperationStats groups queue counts for dashboards.
type OperationStats struct {
	Total      int                     `json:"total"`
	ByStatus   map[OperationStatus]int `json:"by_status"`
	ByType     map[OperationType]int   `json:"by_type"`
	ByPlatform map[string]int          `json:"by_platform"`
}

// NewOperationStats returns stats with initialized maps.
func NewOperationStats() OperationStats {
	return OperationStats{
		ByStatus:   make(map[OperationStatus]int),
		ByType:     make(map[OperationType]int),
		ByPlatform: make(map[string]int),
	}
}

// Add counts op into the stats.
func (s *OperationStats) Add(op *FailedOperation) {
	s.Total++
	s.ByStatus[op.Status]++
	s.ByType[op.Type]++
	if op.Platform != "" {
		s.ByPlatform[op.Platform]++
	}
}
