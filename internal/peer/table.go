// Package peer implements the per-peer session state machine and the
// peer table: handshake, heartbeat, framed receive loop, and lifecycle
// (spec.md §3, §4.3).
package peer

import (
	"sync"
	"time"

	"github.com/kizuna-project/bridge/internal/identity"
	"github.com/kizuna-project/bridge/internal/overlay"
)

// Entry is one live peer's table row. Entry existence is owned
// exclusively by its session goroutine: Table.Remove cancels the
// heartbeat timer and closes the stream exactly once (spec.md §3).
type Entry struct {
	PublicKeyHex string
	ShortID      string
	Stream       overlay.Stream

	mu       sync.RWMutex
	lastSeen time.Time
	manifest *Manifest

	send          func(payload any) error
	stopHeartbeat func()
}

// Send signs and delivers payload to this peer, serialised against the
// peer's heartbeat and any other concurrent send (spec.md §5).
func (e *Entry) Send(payload any) error {
	return e.send(payload)
}

// LastSeen returns the last time any frame was received from this peer.
func (e *Entry) LastSeen() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSeen
}

func (e *Entry) touch(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.After(e.lastSeen) {
		e.lastSeen = t
	}
}

// Manifest returns the peer's advertised manifest, or nil if no
// handshake has arrived yet.
func (e *Entry) Manifest() *Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manifest
}

func (e *Entry) setManifest(m Manifest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifest = &m
}

// Table is the set of live peer sessions, keyed by full hex public key,
// guarded by its own mutex per spec.md §5's table-ownership discipline.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	observedMu sync.Mutex
	observed   map[string]bool
}

// NewTable creates an empty Table. self is recorded into the
// observed-peers set immediately, since that set includes self
// (spec.md §3 "Stats").
func NewTable(selfPublicKeyHex string) *Table {
	t := &Table{
		entries:  make(map[string]*Entry),
		observed: make(map[string]bool),
	}
	t.observed[selfPublicKeyHex] = true
	return t
}

// Insert adds a live peer entry, recording it in the observed-peers set.
// send delivers a signed payload to the peer (bound to the owning
// session's serialised writer); stopHeartbeat is invoked exactly once,
// by Remove, to cancel the peer's heartbeat timer.
func (t *Table) Insert(publicKeyHex string, stream overlay.Stream, send func(payload any) error, stopHeartbeat func()) *Entry {
	e := &Entry{
		PublicKeyHex:  publicKeyHex,
		ShortID:       identity.ShortIDFromPublicHex(publicKeyHex),
		Stream:        stream,
		lastSeen:      time.Now(),
		send:          send,
		stopHeartbeat: stopHeartbeat,
	}

	t.mu.Lock()
	t.entries[publicKeyHex] = e
	t.mu.Unlock()

	t.observedMu.Lock()
	t.observed[publicKeyHex] = true
	t.observedMu.Unlock()

	return e
}

// Get returns the live entry for a full public key hex, if present.
func (t *Table) Get(publicKeyHex string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[publicKeyHex]
	return e, ok
}

// Remove evicts a peer entry, cancelling its heartbeat timer and
// closing its stream. Safe to call more than once; only the first call
// has an effect.
func (t *Table) Remove(publicKeyHex string) {
	t.mu.Lock()
	e, ok := t.entries[publicKeyHex]
	if ok {
		delete(t.entries, publicKeyHex)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if e.stopHeartbeat != nil {
		e.stopHeartbeat()
	}
	_ = e.Stream.Close()
}

// All returns a snapshot of every live peer entry.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Resolve finds a live peer by short id, or by case-insensitive
// agent_id from its manifest. "*" and "" never match (callers treat
// those as broadcast, not a Resolve target).
func (t *Table) Resolve(target string) (*Entry, bool) {
	if target == "" || target == "*" {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.ShortID == target {
			return e, true
		}
	}
	for _, e := range t.entries {
		if m := e.Manifest(); m != nil && m.matchesAgentID(target) {
			return e, true
		}
	}
	return nil, false
}

// ObservedPeers returns every peer public key hex ever seen, including
// self. Monotonically growing over the process lifetime (spec.md §8).
func (t *Table) ObservedPeers() []string {
	t.observedMu.Lock()
	defer t.observedMu.Unlock()

	out := make([]string, 0, len(t.observed))
	for k := range t.observed {
		out = append(out, k)
	}
	return out
}
