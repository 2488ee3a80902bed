package ktp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kizuna-project/bridge/internal/apperr"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/peer"
)

// MaxAttempts bounds retry attempts before a queued task is dead-lettered.
const MaxAttempts = 3

// RetryBaseDelay and RetryCapDelay parameterise the exponential backoff
// schedule: delay = min(RetryBaseDelay * 2^attempt, RetryCapDelay).
const (
	RetryBaseDelay = 5000 * time.Millisecond
	RetryCapDelay  = 60000 * time.Millisecond
)

// Backoff returns the retry delay for the given attempt count.
func Backoff(attempt int) time.Duration {
	delay := RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= RetryCapDelay {
			return RetryCapDelay
		}
	}
	return delay
}

// SubmitRequest is the validated input to Engine.Submit.
type SubmitRequest struct {
	Description string
	Context     json.RawMessage
	TaskType    TaskType
	Priority    Priority
	Target      string
	Deadline    *int64
	ContextID   string
	A2ASource   bool
}

// Engine is the task-delegation engine: it owns the three task tables
// and mediates between them and the peer table (spec.md §4.5).
type Engine struct {
	sent       *SentTable
	received   *ReceivedTable
	deadLetter *DeadLetterTable
	peers      *peer.Table
	selfShort  string
	metrics    *metrics.Registry
	log        interface {
		Warn(string, ...any)
		Info(string, ...any)
	}
}

// NewEngine constructs an Engine over the given tables and peer table.
func NewEngine(sent *SentTable, received *ReceivedTable, deadLetter *DeadLetterTable, peers *peer.Table, selfShortID string, reg *metrics.Registry) *Engine {
	return &Engine{
		sent:       sent,
		received:   received,
		deadLetter: deadLetter,
		peers:      peers,
		selfShort:  selfShortID,
		metrics:    reg,
		log:        logging.With("ktp"),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Submit validates and submits a new task, per spec.md §4.5 step 1-4.
// The returned bool is true when the task was queued for retry because
// no live peer matched req.Target or the send to the matched peer failed
// (callers surface HTTP 202 for this).
func (e *Engine) Submit(req SubmitRequest) (*SentTask, bool, error) {
	if req.Description == "" {
		return nil, false, apperr.New("ktp", "Submit", fmt.Errorf("description is required")).WithStatusCode(400)
	}
	if len(req.Description) > MaxDescriptionBytes {
		return nil, false, apperr.New("ktp", "Submit", fmt.Errorf("description exceeds %d bytes", MaxDescriptionBytes)).WithStatusCode(400)
	}
	if len(req.Context) > MaxContextBytes {
		return nil, false, apperr.New("ktp", "Submit", fmt.Errorf("context exceeds %d bytes", MaxContextBytes)).WithStatusCode(400)
	}
	if req.TaskType == "" {
		req.TaskType = TaskTypeGeneral
	}
	if !ValidTaskType(req.TaskType) {
		return nil, false, apperr.New("ktp", "Submit", fmt.Errorf("invalid task_type %q", req.TaskType)).WithStatusCode(400)
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !ValidPriority(req.Priority) {
		return nil, false, apperr.New("ktp", "Submit", fmt.Errorf("invalid priority %q", req.Priority)).WithStatusCode(400)
	}

	taskID := uuid.NewString()
	contextID := req.ContextID
	if contextID == "" {
		contextID = taskID // spec.md §9(d): contextId defaults to task_id
	}

	payload := Payload{Description: req.Description, Context: req.Context, Priority: req.Priority}
	task := &SentTask{
		TaskID:    taskID,
		Target:    req.Target,
		Payload:   payload,
		TaskType:  req.TaskType,
		CreatedAt: nowMillis(),
		Deadline:  req.Deadline,
		ContextID: contextID,
		A2ASource: req.A2ASource,
	}

	queuedForRetry := false

	switch {
	case req.Target != "" && req.Target != "*":
		entry, found := e.peers.Resolve(req.Target)
		if !found {
			task.Status = StatusQueuedForRetry
			task.AttemptCount = 1
			task.NextRetryTime = nowMillis() + Backoff(1).Milliseconds()
			queuedForRetry = true
			e.metrics.RecordTaskSent("queued_for_retry")
		} else {
			if err := entry.Send(e.requestFrame(task)); err != nil {
				e.log.Warn("ktp: task_request send failed, queuing for retry", "task_id", taskID, "error", err)
				task.Status = StatusQueuedForRetry
				task.AttemptCount = 1
				task.NextRetryTime = nowMillis() + Backoff(1).Milliseconds()
				queuedForRetry = true
				e.metrics.RecordTaskSent("queued_for_retry")
			} else {
				task.Status = StatusPending
				e.metrics.RecordTaskSent("delivered")
			}
		}

	default:
		task.Target = "*"
		task.Status = StatusPending
		for _, entry := range e.peers.All() {
			if err := entry.Send(e.requestFrame(task)); err != nil {
				e.log.Warn("ktp: broadcast task_request send failed", "peer", entry.ShortID, "task_id", taskID, "error", err)
			}
		}
		e.metrics.RecordTaskSent("broadcast")
	}

	e.sent.Insert(task)
	return task, queuedForRetry, nil
}

// requestFrame builds the inner content object for a task_request
// frame (spec.md §6), reusing the task's own fields so a retry resends
// byte-identical semantics under the same task_id.
func (e *Engine) requestFrame(task *SentTask) map[string]any {
	return map[string]any{
		"type":      "task_request",
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"payload":   task.Payload,
		"deadline":  task.Deadline,
		"sender":    e.selfShort,
	}
}

// HandleTaskRequest installs a received-task entry for a verified
// inbound task_request frame. Registered as peer.Handlers.OnTaskRequest.
func (e *Engine) HandleTaskRequest(fromPublicKeyHex, fromShortID string, content json.RawMessage) {
	var wire struct {
		TaskID   string   `json:"task_id"`
		TaskType TaskType `json:"task_type"`
		Payload  Payload  `json:"payload"`
		Deadline *int64   `json:"deadline"`
	}
	if err := json.Unmarshal(content, &wire); err != nil {
		e.log.Warn("ktp: dropping malformed task_request", "peer", fromShortID, "error", err)
		return
	}
	if wire.TaskID == "" {
		e.log.Warn("ktp: dropping task_request with empty task_id", "peer", fromShortID)
		return
	}

	e.received.Insert(&ReceivedTask{
		TaskID:      wire.TaskID,
		From:        fromPublicKeyHex,
		FromShortID: fromShortID,
		Status:      ReceivedPending,
		Payload:     wire.Payload,
		TaskType:    wire.TaskType,
		CreatedAt:   nowMillis(),
		Deadline:    wire.Deadline,
	})
	e.metrics.RecordTaskReceived()
}

// HandleTaskResponse updates a live sent-task entry from a verified
// inbound task_response frame. Registered as peer.Handlers.OnTaskResponse.
func (e *Engine) HandleTaskResponse(fromPublicKeyHex string, content json.RawMessage) {
	var wire struct {
		TaskID    string     `json:"task_id"`
		Status    SentStatus `json:"status"`
		Result    any        `json:"result"`
		Error     any        `json:"error"`
		Responder string     `json:"responder"`
	}
	if err := json.Unmarshal(content, &wire); err != nil {
		e.log.Warn("ktp: dropping malformed task_response", "error", err)
		return
	}

	updated := e.sent.Update(wire.TaskID, func(t *SentTask) {
		t.Status = wire.Status
		t.Result = wire.Result
		t.Error = wire.Error
		t.Responder = wire.Responder
		t.CompletedAt = nowMillis()
	})
	if !updated {
		e.log.Warn("ktp: task_response for unknown or dead task_id", "task_id", wire.TaskID)
	}
}

// Respond applies a local agent's response to a received task and
// emits a signed task_response to the original requester. If that peer
// is no longer connected the response is lost without retry, per
// spec.md §4.5 (a deliberate asymmetry, see SPEC_FULL.md §9(b)).
func (e *Engine) Respond(taskID string, status ReceivedStatus, result, errVal any) (*ReceivedTask, error) {
	var updated *ReceivedTask
	ok := e.received.Update(taskID, func(t *ReceivedTask) {
		t.Status = status
		t.Result = result
		t.Error = errVal
		updated = t
	})
	if !ok {
		return nil, apperr.New("ktp", "Respond", fmt.Errorf("unknown task_id %q", taskID)).WithStatusCode(404)
	}

	entry, found := e.peers.Get(updated.From)
	if !found {
		e.log.Warn("ktp: requester no longer connected, response dropped", "task_id", taskID, "from", updated.FromShortID)
		return updated, nil
	}

	frame := map[string]any{
		"type":      "task_response",
		"task_id":   taskID,
		"status":    status,
		"result":    result,
		"error":     errVal,
		"responder": e.selfShort,
	}
	if err := entry.Send(frame); err != nil {
		e.log.Warn("ktp: task_response send failed", "task_id", taskID, "error", err)
	}
	return updated, nil
}

// Requeue promotes a dead-lettered task back to queued_for_retry
// (spec.md §4.5 "Manual requeue").
func (e *Engine) Requeue(taskID string) (*SentTask, error) {
	dl, ok := e.deadLetter.Get(taskID)
	if !ok {
		return nil, apperr.New("ktp", "Requeue", fmt.Errorf("unknown dead-letter task_id %q", taskID)).WithStatusCode(404)
	}

	task := dl.SentTask
	task.Status = StatusQueuedForRetry
	task.AttemptCount = 0
	task.NextRetryTime = nowMillis()

	e.sent.Insert(&task)
	e.deadLetter.Remove(taskID)
	e.metrics.SetDeadLetterSize(e.deadLetter.Len())
	return &task, nil
}

// RunRetryTick runs one pass of the retry reaper's logic over the
// sent-task table (spec.md §4.5 "Retry reaper logic per tick").
func (e *Engine) RunRetryTick() {
	now := nowMillis()

	for _, task := range e.sent.All() {
		if task.Status.IsTerminal() {
			continue
		}

		if task.Deadline != nil && *task.Deadline < now {
			e.deadLetterTask(task.TaskID, "Deadline exceeded")
			continue
		}

		if task.Status != StatusQueuedForRetry || task.NextRetryTime > now {
			continue
		}

		entry, found := e.peers.Resolve(task.Target)
		if found {
			e.sent.Update(task.TaskID, func(t *SentTask) {
				t.Status = StatusPending
				t.LastAttemptAt = now
			})
			if err := entry.Send(e.requestFrame(task)); err != nil {
				e.log.Warn("ktp: retry send failed", "task_id", task.TaskID, "error", err)
			}
			e.metrics.RecordRetryAttempt()
			continue
		}

		if task.AttemptCount >= MaxAttempts {
			e.deadLetterTask(task.TaskID, fmt.Sprintf("Peer offline after %d attempts", task.AttemptCount))
			continue
		}

		e.sent.Update(task.TaskID, func(t *SentTask) {
			t.AttemptCount++
			t.NextRetryTime = now + Backoff(t.AttemptCount).Milliseconds()
		})
	}
}

func (e *Engine) deadLetterTask(taskID, reason string) {
	task, ok := e.sent.Get(taskID)
	if !ok {
		return
	}

	dl := &DeadLetterTask{
		SentTask:      *task,
		FailureReason: reason,
		FailedAt:      nowMillis(),
	}
	dl.Status = StatusFailed
	e.deadLetter.Insert(dl)
	e.sent.Remove(taskID)
	e.metrics.SetDeadLetterSize(e.deadLetter.Len())
}

// Sent, Received, DeadLetter expose the underlying tables for the HTTP
// control plane and the A2A gateway, which both need read access
// without funnelling every projection through Engine.
func (e *Engine) Sent() *SentTable             { return e.sent }
func (e *Engine) Received() *ReceivedTable     { return e.received }
func (e *Engine) DeadLetter() *DeadLetterTable { return e.deadLetter }
