package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kizuna-project/bridge/internal/envelope"
	"github.com/kizuna-project/bridge/internal/identity"
	"github.com/kizuna-project/bridge/internal/inbox"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/overlay"
)

// Frame type discriminators recognised on the wire (spec.md §6).
const (
	TypePing         = "ping"
	TypeHandshake    = "handshake"
	TypeTaskRequest  = "task_request"
	TypeTaskResponse = "task_response"
)

// HeartbeatInterval is how often a session writes a bare ping frame.
const HeartbeatInterval = 2500 * time.Millisecond

// Handlers are the task-engine callbacks a session dispatches verified,
// parsed frames to. Kept as plain function fields (rather than an
// import of internal/ktp) so internal/peer has no dependency on the
// task engine; internal/node wires the two together.
type Handlers struct {
	// OnTaskRequest is called for a verified task_request frame, with
	// the inner content still as raw JSON for the task engine to decode.
	OnTaskRequest func(fromPublicKeyHex, fromShortID string, content json.RawMessage)

	// OnTaskResponse is called for a verified task_response frame.
	OnTaskResponse func(fromPublicKeyHex string, content json.RawMessage)
}

// wireFrame covers both recognised frame shapes (spec.md §6): the bare
// ping, and the signed envelope. Unused fields are simply absent for
// whichever shape was sent.
type wireFrame struct {
	Type      string `json:"type,omitempty"`
	Content   string `json:"content,omitempty"`
	SenderKey string `json:"senderKey,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// innerFrame is the shape of a decoded envelope's content string.
type innerFrame struct {
	Type string `json:"type"`
}

// Session owns one peer's lifecycle: handshake, heartbeat, receive loop.
type Session struct {
	stream        overlay.Stream
	peerKeyHex    string
	peerShortID   string
	id            *identity.Identity
	table         *Table
	inbox         *inbox.Inbox
	localManifest func() Manifest
	handlers      Handlers
	metrics       *metrics.Registry
	log           interface {
		Warn(string, ...any)
		Info(string, ...any)
	}

	writeMu sync.Mutex // serialises socket writes, per spec.md §5
}

// NewSession constructs a session for an already-accepted peer stream.
// peerPublicKeyHex is the identity learned at the transport layer (the
// overlay's first-frame exchange); the application-level handshake
// envelope subsequently carries the peer's manifest.
func NewSession(
	stream overlay.Stream,
	peerPublicKeyHex string,
	id *identity.Identity,
	table *Table,
	ib *inbox.Inbox,
	localManifest func() Manifest,
	handlers Handlers,
	reg *metrics.Registry,
) *Session {
	return &Session{
		stream:        stream,
		peerKeyHex:    peerPublicKeyHex,
		peerShortID:   identity.ShortIDFromPublicHex(peerPublicKeyHex),
		id:            id,
		table:         table,
		inbox:         ib,
		localManifest: localManifest,
		handlers:      handlers,
		metrics:       reg,
		log:           logging.With("peer"),
	}
}

// writeFrame serialises v and writes it as one frame, serialised against
// concurrent writers (spec.md §5: "socket writes on a single peer MUST
// be serialised").
func (s *Session) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.stream.WriteFrame(data)
}

// WriteHandshake signs and sends the local manifest as a handshake
// frame. Used both at session start and whenever the local manifest
// changes (spec.md §8: "changing the local manifest re-broadcasts a
// signed handshake to all currently live peers").
func (s *Session) WriteHandshake() error {
	env, err := envelope.Sign(s.id, map[string]any{
		"type":     TypeHandshake,
		"manifest": s.localManifest(),
	})
	if err != nil {
		return err
	}
	return s.writeFrame(env)
}

// SendEnvelope signs and sends an arbitrary payload, e.g. a task_request
// or task_response content object, or a free-form broadcast.
func (s *Session) SendEnvelope(payload any) error {
	env, err := envelope.Sign(s.id, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(env)
}

// Run performs the full session lifecycle: writes the initial
// handshake, installs the peer entry, starts the heartbeat, and runs
// the receive loop until the stream closes or errors. Run returns once
// the session has ended; the peer entry has already been removed by
// the time it returns.
func (s *Session) Run() {
	if err := s.WriteHandshake(); err != nil {
		s.log.Warn("peer: initial handshake write failed", "peer", s.peerShortID, "error", err)
		_ = s.stream.Close()
		return
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	entry := s.table.Insert(s.peerKeyHex, s.stream, s.SendEnvelope, stop)
	go s.heartbeatLoop(stopCh)

	defer s.table.Remove(s.peerKeyHex)

	for {
		raw, err := s.stream.ReadFrame()
		if err != nil {
			s.log.Info("peer: session ended", "peer", s.peerShortID, "error", err)
			return
		}
		s.dispatch(entry, raw)
	}
}

func (s *Session) heartbeatLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	ping := []byte(`{"type":"ping"}`)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.stream.WriteFrame(ping)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("peer: heartbeat write failed, ending session", "peer", s.peerShortID, "error", err)
				_ = s.stream.Close()
				return
			}
		}
	}
}

func (s *Session) dispatch(entry *Entry, raw []byte) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		s.log.Warn("peer: dropping malformed frame", "peer", s.peerShortID, "error", err)
		return
	}

	now := time.Now()

	if wf.Type == TypePing && wf.SenderKey == "" {
		entry.touch(now)
		return
	}

	if wf.SenderKey == "" || wf.Signature == "" {
		s.log.Warn("peer: dropping unrecognised frame", "peer", s.peerShortID)
		return
	}

	env := &envelope.Envelope{
		Content:   wf.Content,
		SenderKey: wf.SenderKey,
		Signature: wf.Signature,
		Timestamp: wf.Timestamp,
	}
	if !envelope.Verify(env) {
		s.log.Warn("peer: dropping envelope with invalid signature", "peer", s.peerShortID)
		s.metrics.RecordSignatureFailure()
		return
	}
	entry.touch(now)

	var inner innerFrame
	if err := json.Unmarshal([]byte(env.Content), &inner); err != nil {
		s.log.Warn("peer: dropping envelope with malformed content", "peer", s.peerShortID, "error", err)
		return
	}

	switch inner.Type {
	case TypeHandshake:
		s.dispatchHandshake(entry, env.Content)
	case TypeTaskRequest:
		s.dispatchTaskRequest(env.Content)
	case TypeTaskResponse:
		if s.handlers.OnTaskResponse != nil {
			s.handlers.OnTaskResponse(s.peerKeyHex, json.RawMessage(env.Content))
		}
	default:
		s.inbox.Append(inbox.Message{
			Sender:        s.peerKeyHex,
			SenderShortID: s.peerShortID,
			Timestamp:     now.UnixMilli(),
			Content:       json.RawMessage(env.Content),
		})
	}
}

func (s *Session) dispatchHandshake(entry *Entry, content string) {
	var hs struct {
		Manifest Manifest `json:"manifest"`
	}
	if err := json.Unmarshal([]byte(content), &hs); err != nil {
		s.log.Warn("peer: dropping malformed handshake", "peer", s.peerShortID, "error", err)
		return
	}
	// Duplicate handshakes overwrite the stored manifest (spec.md §4.3).
	entry.setManifest(hs.Manifest)
}

func (s *Session) dispatchTaskRequest(content string) {
	var tr struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(content), &tr); err == nil && tr.Payload != nil {
		s.inbox.Append(inbox.Message{
			Sender:        s.peerKeyHex,
			SenderShortID: s.peerShortID,
			Timestamp:     time.Now().UnixMilli(),
			Content:       tr.Payload,
		})
	}
	if s.handlers.OnTaskRequest != nil {
		s.handlers.OnTaskRequest(s.peerKeyHex, s.peerShortID, json.RawMessage(content))
	}
}
