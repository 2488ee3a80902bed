package peer

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kizuna-project/bridge/internal/envelope"
	"github.com/kizuna-project/bridge/internal/identity"
	"github.com/kizuna-project/bridge/internal/inbox"
	"github.com/kizuna-project/bridge/internal/metrics"
)

// queueStream is a Stream whose ReadFrame serves frames pushed onto an
// internal channel, and whose WriteFrame records every write. Closing
// in makes the next ReadFrame return io.EOF.
type queueStream struct {
	in     chan []byte
	mu     sync.Mutex
	writes [][]byte
}

func newQueueStream() *queueStream {
	return &queueStream{in: make(chan []byte, 16)}
}

func (q *queueStream) push(b []byte) { q.in <- b }

func (q *queueStream) ReadFrame() ([]byte, error) {
	b, ok := <-q.in
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (q *queueStream) WriteFrame(b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	q.writes = append(q.writes, cp)
	return nil
}

func (q *queueStream) Close() error { return nil }

func (q *queueStream) writeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}

func (q *queueStream) lastWrite() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writes[len(q.writes)-1]
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	return id
}

func TestSession_WritesSignedHandshakeImmediately(t *testing.T) {
	id := newTestIdentity(t)
	peerID := newTestIdentity(t)
	stream := newQueueStream()
	tbl := NewTable(id.PublicHex)

	sess := NewSession(stream, peerID.PublicHex, id, tbl, inbox.New(0),
		func() Manifest { return Manifest{AgentID: "local"} }, Handlers{}, metrics.NewRegistry())

	go sess.Run()

	require.Eventually(t, func() bool { return stream.writeCount() >= 1 }, time.Second, 10*time.Millisecond)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(stream.lastWrite(), &env))
	require.True(t, envelope.Verify(&env))
	require.Equal(t, id.PublicHex, env.SenderKey)
}

func TestSession_PingRefreshesLastSeenWithoutVerification(t *testing.T) {
	id := newTestIdentity(t)
	peerID := newTestIdentity(t)
	stream := newQueueStream()
	tbl := NewTable(id.PublicHex)

	sess := NewSession(stream, peerID.PublicHex, id, tbl, inbox.New(0),
		func() Manifest { return Manifest{} }, Handlers{}, metrics.NewRegistry())

	go sess.Run()

	require.Eventually(t, func() bool {
		_, ok := tbl.Get(peerID.PublicHex)
		return ok
	}, time.Second, 10*time.Millisecond)

	entry, _ := tbl.Get(peerID.PublicHex)
	before := entry.LastSeen()

	time.Sleep(5 * time.Millisecond)
	stream.push([]byte(`{"type":"ping"}`))

	require.Eventually(t, func() bool {
		return entry.LastSeen().After(before)
	}, time.Second, 10*time.Millisecond)
}

func TestSession_HandshakeFrameRecordsManifest(t *testing.T) {
	id := newTestIdentity(t)
	peerID := newTestIdentity(t)
	stream := newQueueStream()
	tbl := NewTable(id.PublicHex)

	sess := NewSession(stream, peerID.PublicHex, id, tbl, inbox.New(0),
		func() Manifest { return Manifest{} }, Handlers{}, metrics.NewRegistry())
	go sess.Run()

	require.Eventually(t, func() bool {
		_, ok := tbl.Get(peerID.PublicHex)
		return ok
	}, time.Second, 10*time.Millisecond)

	env, err := envelope.Sign(peerID, map[string]any{
		"type":     "handshake",
		"manifest": map[string]any{"agent_id": "ghost", "role": "worker", "skills": []string{"code_review"}},
	})
	require.NoError(t, err)
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	stream.push(frame)

	entry, _ := tbl.Get(peerID.PublicHex)
	require.Eventually(t, func() bool {
		m := entry.Manifest()
		return m != nil && m.AgentID == "ghost"
	}, time.Second, 10*time.Millisecond)
}

func TestSession_InvalidSignatureDropsFrameWithoutStateChange(t *testing.T) {
	id := newTestIdentity(t)
	peerID := newTestIdentity(t)
	otherID := newTestIdentity(t)
	stream := newQueueStream()
	tbl := NewTable(id.PublicHex)

	sess := NewSession(stream, peerID.PublicHex, id, tbl, inbox.New(0),
		func() Manifest { return Manifest{} }, Handlers{}, metrics.NewRegistry())
	go sess.Run()

	require.Eventually(t, func() bool {
		_, ok := tbl.Get(peerID.PublicHex)
		return ok
	}, time.Second, 10*time.Millisecond)

	// Envelope signed by a key other than the declared senderKey.
	env, err := envelope.Sign(otherID, map[string]any{"type": "handshake", "manifest": map[string]any{"agent_id": "spoofed"}})
	require.NoError(t, err)
	env.SenderKey = peerID.PublicHex
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	stream.push(frame)

	time.Sleep(50 * time.Millisecond)
	entry, _ := tbl.Get(peerID.PublicHex)
	require.Nil(t, entry.Manifest())
}

func TestSession_TaskRequestAppendsPayloadToInboxAndInvokesHandler(t *testing.T) {
	id := newTestIdentity(t)
	peerID := newTestIdentity(t)
	stream := newQueueStream()
	tbl := NewTable(id.PublicHex)
	ib := inbox.New(0)

	var gotFrom, gotShortID string
	var gotContent json.RawMessage
	sess := NewSession(stream, peerID.PublicHex, id, tbl, ib,
		func() Manifest { return Manifest{} }, Handlers{
			OnTaskRequest: func(from, shortID string, content json.RawMessage) {
				gotFrom, gotShortID, gotContent = from, shortID, content
			},
		}, metrics.NewRegistry())
	go sess.Run()

	require.Eventually(t, func() bool {
		_, ok := tbl.Get(peerID.PublicHex)
		return ok
	}, time.Second, 10*time.Millisecond)

	env, err := envelope.Sign(peerID, map[string]any{
		"type":      "task_request",
		"task_id":   "11111111-1111-4111-8111-111111111111",
		"task_type": "general",
		"payload":   map[string]any{"description": "do the thing", "priority": "medium"},
	})
	require.NoError(t, err)
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	stream.push(frame)

	require.Eventually(t, func() bool { return ib.Len() == 1 }, time.Second, 10*time.Millisecond)

	msgs := ib.Drain()
	require.Len(t, msgs, 1)
	require.Equal(t, peerID.PublicHex, msgs[0].Sender)

	require.Eventually(t, func() bool { return gotContent != nil }, time.Second, 10*time.Millisecond)
	require.Equal(t, peerID.PublicHex, gotFrom)
	require.Equal(t, peerID.ShortID, gotShortID)
}
