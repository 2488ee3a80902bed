package ktp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/overlay"
	"github.com/kizuna-project/bridge/internal/peer"
)

type recordingStream struct{}

func (recordingStream) ReadFrame() ([]byte, error) { select {} }
func (recordingStream) WriteFrame([]byte) error    { return nil }
func (recordingStream) Close() error               { return nil }

func insertPeer(t *testing.T, tbl *peer.Table, pubKeyHex string, sendErr error, sent *[]any) {
	t.Helper()
	tbl.Insert(pubKeyHex, overlay.Stream(recordingStream{}), func(payload any) error {
		if sendErr != nil {
			return sendErr
		}
		*sent = append(*sent, payload)
		return nil
	}, func() {})
}

func newTestEngine() (*Engine, *peer.Table) {
	tbl := peer.NewTable("self-key")
	e := NewEngine(NewSentTable(), NewReceivedTable(), NewDeadLetterTable(), tbl, "selfid01", metrics.NewRegistry())
	return e, tbl
}

func TestEngine_SubmitBroadcastMarksPendingAndSendsToEveryPeer(t *testing.T) {
	e, tbl := newTestEngine()
	var sentA, sentB []any
	insertPeer(t, tbl, "peer-a", nil, &sentA)
	insertPeer(t, tbl, "peer-b", nil, &sentB)

	task, queued, err := e.Submit(SubmitRequest{Description: "do the thing"})
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, "*", task.Target)
	require.Len(t, sentA, 1)
	require.Len(t, sentB, 1)
}

func TestEngine_SubmitWithUnresolvedTargetQueuesForRetry(t *testing.T) {
	e, _ := newTestEngine()

	task, queued, err := e.Submit(SubmitRequest{Description: "x", Target: "ghost"})
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, StatusQueuedForRetry, task.Status)
	require.Equal(t, 1, task.AttemptCount)
	require.InDelta(t, time.Now().Add(10*time.Second).UnixMilli(), task.NextRetryTime, 500)
}

func TestEngine_SubmitRejectsOversizedDescription(t *testing.T) {
	e, _ := newTestEngine()

	big := make([]byte, MaxDescriptionBytes+1)
	_, _, err := e.Submit(SubmitRequest{Description: string(big)})
	require.Error(t, err)
}

func TestEngine_SubmitDefaultsContextIDToTaskID(t *testing.T) {
	e, _ := newTestEngine()

	task, _, err := e.Submit(SubmitRequest{Description: "x"})
	require.NoError(t, err)
	require.Equal(t, task.TaskID, task.ContextID)
}

func TestEngine_RetryTick_PromotesToPendingWhenPeerAppears(t *testing.T) {
	e, tbl := newTestEngine()

	task, queued, err := e.Submit(SubmitRequest{Description: "x", Target: "ghost"})
	require.NoError(t, err)
	require.True(t, queued)

	e.sent.Update(task.TaskID, func(t *SentTask) { t.NextRetryTime = 0 }) // force due now

	var sent []any
	insertPeer(t, tbl, "peer-ghost", nil, &sent)
	// Give the peer entry a matching short id so Resolve("ghost") finds it by short id.
	entry, _ := tbl.Get("peer-ghost")
	entry.ShortID = "ghost"

	e.RunRetryTick()

	got, ok := e.sent.Get(task.TaskID)
	require.True(t, ok)
	require.Equal(t, StatusPending, got.Status)
	require.Len(t, sent, 1)
}

func TestEngine_RetryTick_DeadLettersAfterMaxAttempts(t *testing.T) {
	e, _ := newTestEngine()

	task, _, err := e.Submit(SubmitRequest{Description: "x", Target: "ghost"})
	require.NoError(t, err)
	require.Equal(t, 1, task.AttemptCount)

	// Drive attemptCount to MaxAttempts with nextRetryTime always due.
	for i := 0; i < MaxAttempts; i++ {
		e.sent.Update(task.TaskID, func(t *SentTask) { t.NextRetryTime = 0 })
		e.RunRetryTick()
	}

	_, stillSent := e.sent.Get(task.TaskID)
	require.False(t, stillSent)

	dl, ok := e.deadLetter.Get(task.TaskID)
	require.True(t, ok)
	require.Equal(t, "Peer offline after 3 attempts", dl.FailureReason)
}

func TestEngine_RetryTick_DeadLettersOnPastDeadlineRegardlessOfAttempts(t *testing.T) {
	e, _ := newTestEngine()

	past := time.Now().Add(-time.Minute).UnixMilli()
	task, _, err := e.Submit(SubmitRequest{Description: "x", Deadline: &past})
	require.NoError(t, err)

	e.RunRetryTick()

	_, stillSent := e.sent.Get(task.TaskID)
	require.False(t, stillSent)

	dl, ok := e.deadLetter.Get(task.TaskID)
	require.True(t, ok)
	require.Equal(t, "Deadline exceeded", dl.FailureReason)
}

func TestEngine_HandleTaskRequestInsertsReceivedTask(t *testing.T) {
	e, _ := newTestEngine()

	content := []byte(`{"task_id":"11111111-1111-4111-8111-111111111111","task_type":"general","payload":{"description":"hi","priority":"medium"}}`)
	e.HandleTaskRequest("peer-key", "peershort", content)

	got, ok := e.received.Get("11111111-1111-4111-8111-111111111111")
	require.True(t, ok)
	require.Equal(t, "peer-key", got.From)
	require.Equal(t, ReceivedPending, got.Status)
}

func TestEngine_HandleTaskResponseUpdatesSentTask(t *testing.T) {
	e, _ := newTestEngine()

	task, _, err := e.Submit(SubmitRequest{Description: "x"})
	require.NoError(t, err)

	content := []byte(`{"task_id":"` + task.TaskID + `","status":"completed","result":{"ok":true},"responder":"b0b0b0b0"}`)
	e.HandleTaskResponse("peer-key", content)

	got, ok := e.sent.Get(task.TaskID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "b0b0b0b0", got.Responder)
}

func TestEngine_RespondSendsTaskResponseToOriginalRequester(t *testing.T) {
	e, tbl := newTestEngine()

	var sent []any
	insertPeer(t, tbl, "requester-key", nil, &sent)

	e.HandleTaskRequest("requester-key", "reqshort", []byte(`{"task_id":"t1","task_type":"general","payload":{"description":"hi","priority":"medium"}}`))

	updated, err := e.Respond("t1", ReceivedCompleted, map[string]any{"ok": true}, nil)
	require.NoError(t, err)
	require.Equal(t, ReceivedCompleted, updated.Status)
	require.Len(t, sent, 1)
}

func TestEngine_RequeuePromotesDeadLetterBackToQueued(t *testing.T) {
	e, _ := newTestEngine()

	past := time.Now().Add(-time.Minute).UnixMilli()
	task, _, err := e.Submit(SubmitRequest{Description: "x", Deadline: &past})
	require.NoError(t, err)
	e.RunRetryTick()

	requeued, err := e.Requeue(task.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusQueuedForRetry, requeued.Status)
	require.Equal(t, 0, requeued.AttemptCount)

	_, inDeadLetter := e.deadLetter.Get(task.TaskID)
	require.False(t, inDeadLetter)

	_, inSent := e.sent.Get(task.TaskID)
	require.True(t, inSent)
}
