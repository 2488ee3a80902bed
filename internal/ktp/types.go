// Package ktp implements the Kizuna Task Protocol: the sent/received/
// dead-letter task tables, retry scheduling with exponential backoff,
// and deadline enforcement (spec.md §3, §4.5).
package ktp

import "encoding/json"

// TaskType is the closed enum of task categories (spec.md §3).
type TaskType string

const (
	TaskTypeGeneral    TaskType = "general"
	TaskTypeAnalysis   TaskType = "analysis"
	TaskTypeCodeReview TaskType = "code_review"
	TaskTypeResearch   TaskType = "research"
	TaskTypeTest       TaskType = "test"
	TaskTypeOther      TaskType = "other"
)

// ValidTaskType reports whether t is one of the closed enum values.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeGeneral, TaskTypeAnalysis, TaskTypeCodeReview, TaskTypeResearch, TaskTypeTest, TaskTypeOther:
		return true
	}
	return false
}

// Priority is the closed enum of task priorities (spec.md §4.5).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is one of the closed enum values.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// SentStatus is the sender-side task lifecycle state (spec.md §4.5).
type SentStatus string

const (
	StatusPending        SentStatus = "pending"
	StatusQueuedForRetry SentStatus = "queued_for_retry"
	StatusAccepted       SentStatus = "accepted"
	StatusInProgress     SentStatus = "in_progress"
	StatusCompleted      SentStatus = "completed"
	StatusFailed         SentStatus = "failed"
	StatusRejected       SentStatus = "rejected"
)

// IsTerminal reports whether status ends the task's lifecycle: no
// further retry-reaper action and no further responses are expected.
func (s SentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Payload is the task body carried in a task_request (spec.md §3).
type Payload struct {
	Description string          `json:"description"`
	Context     json.RawMessage `json:"context,omitempty"`
	Priority    Priority        `json:"priority"`
}

// MaxDescriptionBytes and MaxContextBytes bound submission inputs
// (spec.md §4.5 step 1).
const (
	MaxDescriptionBytes = 10_000
	MaxContextBytes     = 50_000
)

// SentTask is one entry in the sent-task table.
type SentTask struct {
	TaskID        string     `json:"task_id"`
	Target        string     `json:"target"`
	Status        SentStatus `json:"status"`
	Payload       Payload    `json:"payload"`
	TaskType      TaskType   `json:"task_type"`
	CreatedAt     int64      `json:"createdAt"`
	Deadline      *int64     `json:"deadline"`
	Result        any        `json:"result,omitempty"`
	Error         any        `json:"error,omitempty"`
	AttemptCount  int        `json:"attemptCount"`
	LastAttemptAt int64      `json:"lastAttemptAt,omitempty"`
	NextRetryTime int64      `json:"nextRetryTime,omitempty"`
	Responder     string     `json:"responder,omitempty"`
	CompletedAt   int64      `json:"completedAt,omitempty"`
	ContextID     string     `json:"contextId"`
	A2ASource     bool       `json:"a2aSource,omitempty"`
}

// ReceivedStatus is the receiver-side task lifecycle state (spec.md §4.5).
type ReceivedStatus string

const (
	ReceivedPending    ReceivedStatus = "pending"
	ReceivedAccepted   ReceivedStatus = "accepted"
	ReceivedInProgress ReceivedStatus = "in_progress"
	ReceivedCompleted  ReceivedStatus = "completed"
	ReceivedFailed     ReceivedStatus = "failed"
	ReceivedRejected   ReceivedStatus = "rejected"
)

// ReceivedTask is one entry in the received-task table.
type ReceivedTask struct {
	TaskID      string         `json:"task_id"`
	From        string         `json:"from"`
	FromShortID string         `json:"fromShortId"`
	Status      ReceivedStatus `json:"status"`
	Payload     Payload        `json:"payload"`
	TaskType    TaskType       `json:"task_type"`
	CreatedAt   int64          `json:"createdAt"`
	Deadline    *int64         `json:"deadline"`
	Result      any            `json:"result,omitempty"`
	Error       any            `json:"error,omitempty"`
}

// DeadLetterTask is a SentTask that exhausted retries or missed its
// deadline (spec.md §3).
type DeadLetterTask struct {
	SentTask
	FailureReason string `json:"failureReason"`
	FailedAt      int64  `json:"failedAt"`
}
