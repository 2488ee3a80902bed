// Package overlay manages topic membership and yields authenticated peer
// streams for the peer session layer, treating the actual DHT as an
// external, pluggable ConnectionSource (spec.md §4.2).
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/kizuna-project/bridge/internal/apperr"
)

// Topic describes one joined topic's membership state.
type Topic struct {
	Name      string
	Hash      [32]byte
	HasSecret bool
	JoinedAt  time.Time
}

// TopicInfo is the public, listable view of a Topic (spec.md §4.2).
type TopicInfo struct {
	Name       string    `json:"name"`
	Private    bool      `json:"private"`
	JoinedAt   time.Time `json:"joinedAt"`
	HashPrefix string    `json:"hashPrefix"`
}

// TopicSet tracks the node's topic memberships under its own mutex, per
// the table-ownership discipline of spec.md §5.
type TopicSet struct {
	mu          sync.RWMutex
	topics      map[string]*Topic
	defaultName string
}

// NewTopicSet creates a TopicSet that forbids leaving defaultName.
func NewTopicSet(defaultName string) *TopicSet {
	return &TopicSet{
		topics:      make(map[string]*Topic),
		defaultName: defaultName,
	}
}

// HashTopic computes the topic hash per spec.md §6: SHA-256 of the topic
// name alone for a public topic, or of "name:secret" for a private one.
func HashTopic(name, secret string) [32]byte {
	if secret == "" {
		return sha256.Sum256([]byte(name))
	}
	return sha256.Sum256([]byte(name + ":" + secret))
}

// Join records membership in name, idempotently: a second Join for an
// already-joined topic returns the existing hash rather than rejoining.
func (s *TopicSet) Join(name, secret string) (string, error) {
	if name == "" {
		return "", apperr.New("overlay", "Join", fmt.Errorf("topic name must not be empty"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.topics[name]; ok {
		return hex.EncodeToString(t.Hash[:]), nil
	}

	t := &Topic{
		Name:      name,
		Hash:      HashTopic(name, secret),
		HasSecret: secret != "",
		JoinedAt:  time.Now(),
	}
	s.topics[name] = t
	return hex.EncodeToString(t.Hash[:]), nil
}

// Leave removes membership in name. Leaving the default topic is
// forbidden (spec.md §3) and reports false without error.
func (s *TopicSet) Leave(name string) bool {
	if name == s.defaultName {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[name]; !ok {
		return false
	}
	delete(s.topics, name)
	return true
}

// List returns the set of joined topics.
func (s *TopicSet) List() []TopicInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TopicInfo, 0, len(s.topics))
	for _, t := range s.topics {
		hashHex := hex.EncodeToString(t.Hash[:])
		out = append(out, TopicInfo{
			Name:       t.Name,
			Private:    t.HasSecret,
			JoinedAt:   t.JoinedAt,
			HashPrefix: hashHex[:8],
		})
	}
	return out
}

// Hash returns the hash for an already-joined topic, if any.
func (s *TopicSet) Hash(name string) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[name]
	if !ok {
		return [32]byte{}, false
	}
	return t.Hash, true
}
