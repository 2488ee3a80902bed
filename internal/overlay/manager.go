package overlay

import (
	"context"

	"github.com/kizuna-project/bridge/internal/apperr"
	"github.com/kizuna-project/bridge/internal/logging"
)

// Manager joins/leaves topics and yields a stream of new peer
// connections for the peer session layer to adopt (spec.md §4.2).
type Manager struct {
	topics *TopicSet
	source ConnectionSource
	log    interface {
		Info(string, ...any)
		Warn(string, ...any)
	}
}

// NewManager creates a Manager backed by the given ConnectionSource.
func NewManager(source ConnectionSource, defaultTopic string) *Manager {
	return &Manager{
		topics: NewTopicSet(defaultTopic),
		source: source,
		log:    logging.With("overlay"),
	}
}

// Join joins a topic by name, optionally private (secret != ""),
// idempotently. Returns the topic's hash as a hex string.
func (m *Manager) Join(name, secret string) (string, error) {
	hashHex, err := m.topics.Join(name, secret)
	if err != nil {
		return "", err
	}
	hash, _ := m.topics.Hash(name)
	if err := m.source.Join(hash); err != nil {
		return "", apperr.New("overlay", "Join", err).WithDetails(map[string]any{"topic": name})
	}
	return hashHex, nil
}

// Leave leaves a topic by name. Leaving the default topic is forbidden.
func (m *Manager) Leave(name string) bool {
	hash, ok := m.topics.Hash(name)
	if !ok {
		return false
	}
	if !m.topics.Leave(name) {
		return false
	}
	if err := m.source.Leave(hash); err != nil {
		m.log.Warn("overlay: leave advisory to connection source failed", "topic", name, "error", err)
	}
	return true
}

// Topics lists joined topics.
func (m *Manager) Topics() []TopicInfo {
	return m.topics.List()
}

// Connections returns a channel of newly accepted peer connections. The
// channel is closed when ctx is canceled. Each connection is delivered
// exactly once, in acceptance order; fan-out to session handling is the
// caller's responsibility.
func (m *Manager) Connections(ctx context.Context) <-chan Connection {
	out := make(chan Connection)
	go func() {
		defer close(out)
		for {
			peerKey, stream, err := m.source.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn("overlay: accept failed", "error", err)
				continue
			}
			select {
			case out <- Connection{PeerPublicKeyHex: peerKey, Stream: stream}:
			case <-ctx.Done():
				_ = stream.Close()
				return
			}
		}
	}()
	return out
}

// Connection is one newly accepted peer connection.
type Connection struct {
	PeerPublicKeyHex string
	Stream           Stream
}
