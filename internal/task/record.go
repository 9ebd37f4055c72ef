// Package task holds the record model shared by the dispatcher, the
// enrichment gateways and the stores.
package task

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority ranks how soon a record should be picked up.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority maps free text onto a Priority. The second result is false
// when the text names no known priority.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityCritical:
		return PriorityCritical, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityLow:
		return PriorityLow, true
	}
	return PriorityMedium, false
}

// Record is a persisted task.
type Record struct {
	ID                  string    `json:"id,omitempty"`
	RawDescription      string    `json:"raw_description"`
	EnhancedDescription string    `json:"enhanced_description"`
	Status              Status    `json:"status"`
	Priority            Priority  `json:"priority"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	TargetAgent         string    `json:"target_agent"`
	Context             *string   `json:"context,omitempty"`
	Project             string    `json:"project"`
}

// NewRecord builds a pending record stamped with now.
func NewRecord(raw, enhanced string, priority Priority, agent, project string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		RawDescription:      raw,
		EnhancedDescription: enhanced,
		Status:              StatusPending,
		Priority:            priority,
		CreatedAt:           now,
		UpdatedAt:           now,
		TargetAgent:         agent,
		Project:             project,
	}
}

// WithContext sets the optional context tag and returns r.
func (r *Record) WithContext(c string) *Record {
	if c == "" {
		r.Context = nil
		return r
	}
	r.Context = &c
	return r
}
