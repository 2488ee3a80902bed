package a2a

import (
	"encoding/json"
	"time"

	"github.com/kizuna-project/bridge/internal/ktp"
)

// sentStateOf projects a SentStatus onto the A2A state space (spec.md §4.7).
func sentStateOf(status ktp.SentStatus) TaskState {
	switch status {
	case ktp.StatusPending:
		return TaskStateSubmitted
	case ktp.StatusQueuedForRetry, ktp.StatusAccepted, ktp.StatusInProgress:
		return TaskStateWorking
	case ktp.StatusCompleted:
		return TaskStateCompleted
	case ktp.StatusFailed:
		return TaskStateFailed
	case ktp.StatusRejected:
		return TaskStateRejected
	default:
		return TaskStateSubmitted
	}
}

// receivedStateOf projects a ReceivedStatus onto the A2A state space,
// using the same mapping rule as sentStateOf.
func receivedStateOf(status ktp.ReceivedStatus) TaskState {
	switch status {
	case ktp.ReceivedPending:
		return TaskStateSubmitted
	case ktp.ReceivedAccepted, ktp.ReceivedInProgress:
		return TaskStateWorking
	case ktp.ReceivedCompleted:
		return TaskStateCompleted
	case ktp.ReceivedFailed:
		return TaskStateFailed
	case ktp.ReceivedRejected:
		return TaskStateRejected
	default:
		return TaskStateSubmitted
	}
}

func isoMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// statusMessage builds the status.message projection from whichever of
// error/failureReason is present (spec.md §4.7).
func statusMessage(role string, text string) *Message {
	if text == "" {
		return nil
	}
	return &Message{Role: role, Parts: []Part{{Kind: "text", Text: text}}}
}

func errText(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// resultArtifacts builds artifacts[0] from a task result: a text part
// when the result is a string, a structured data part otherwise
// (spec.md §4.7).
func resultArtifacts(result any) []Artifact {
	if result == nil {
		return nil
	}
	if s, ok := result.(string); ok {
		return []Artifact{{ArtifactID: "result", Parts: []Part{{Kind: "text", Text: s}}}}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return []Artifact{{ArtifactID: "result", Parts: []Part{{Kind: "data", Text: string(data)}}}}
}

// historyOf builds the single-entry history projection carrying the
// task description, with role "user" for a sent task and "assistant"
// for a received one (spec.md §4.7).
func historyOf(role, description string) []Message {
	return []Message{{Role: role, Parts: []Part{{Kind: "text", Text: description}}}}
}

// projectSent projects a KTP sent-task table entry into an A2A Task.
func projectSent(t *ktp.SentTask) Task {
	return Task{
		ID:        t.TaskID,
		ContextID: t.ContextID,
		Status: TaskStatus{
			State:     sentStateOf(t.Status),
			Timestamp: isoMillis(t.CreatedAt),
			Message:   statusMessage("assistant", errText(t.Error)),
		},
		Artifacts: resultArtifacts(t.Result),
		History:   historyOf("user", t.Payload.Description),
		Metadata: map[string]any{
			"direction":   "sent",
			"target":      t.Target,
			"taskType":    t.TaskType,
			"ktpStatus":   t.Status,
			"createdAt":   t.CreatedAt,
			"completedAt": t.CompletedAt,
			"deadline":    t.Deadline,
		},
	}
}

// projectReceived projects a KTP received-task table entry into an A2A
// Task. Received tasks have no independent contextId field, so the
// task_id stands in, per spec.md §9(d)'s documented partial threading.
func projectReceived(t *ktp.ReceivedTask) Task {
	return Task{
		ID:        t.TaskID,
		ContextID: t.TaskID,
		Status: TaskStatus{
			State:     receivedStateOf(t.Status),
			Timestamp: isoMillis(t.CreatedAt),
			Message:   statusMessage("assistant", errText(t.Error)),
		},
		Artifacts: resultArtifacts(t.Result),
		History:   historyOf("assistant", t.Payload.Description),
		Metadata: map[string]any{
			"direction": "received",
			"from":      t.FromShortID,
			"taskType":  t.TaskType,
			"ktpStatus": t.Status,
			"createdAt": t.CreatedAt,
			"deadline":  t.Deadline,
		},
	}
}

// projectDeadLetter projects a dead-lettered sent task, always in the
// terminal "failed" state with its failure reason as the status message.
func projectDeadLetter(t *ktp.DeadLetterTask) Task {
	task := projectSent(&t.SentTask)
	task.Status.State = TaskStateFailed
	task.Status.Message = statusMessage("assistant", t.FailureReason)
	task.Metadata["direction"] = "failed"
	task.Metadata["failedAt"] = t.FailedAt
	task.Metadata["failureReason"] = t.FailureReason
	return task
}
