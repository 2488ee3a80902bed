// Package reaper runs the three periodic background activities named
// in spec.md §4.4: timeout eviction, fault-injection churn, and retry
// scheduling.
package reaper

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/peer"
)

// TimeoutInterval and TimeoutThreshold implement the timeout reaper:
// any peer silent for longer than TimeoutThreshold is evicted, checked
// every TimeoutInterval (spec.md §4.4).
const (
	TimeoutInterval  = 5 * time.Second
	TimeoutThreshold = 10 * time.Second
)

// EntropyInterval and EntropyDropProbability parameterise the entropy
// reaper, off by default (spec.md §4.4).
const (
	EntropyInterval        = 30 * time.Second
	EntropyDropProbability = 0.5
)

// RetryInterval is the retry reaper's tick period (spec.md §4.4, §4.5).
const RetryInterval = 5 * time.Second

// TimeoutReaper evicts any peer whose lastSeen is older than
// TimeoutThreshold, every TimeoutInterval.
type TimeoutReaper struct {
	peers     *peer.Table
	threshold time.Duration
	metrics   *metrics.Registry
	log       interface{ Info(string, ...any) }
}

// NewTimeoutReaper constructs a TimeoutReaper over peers.
func NewTimeoutReaper(peers *peer.Table, reg *metrics.Registry) *TimeoutReaper {
	return &TimeoutReaper{peers: peers, threshold: TimeoutThreshold, metrics: reg, log: logging.With("reaper.timeout")}
}

// Run blocks, ticking until ctx is canceled.
func (r *TimeoutReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(TimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *TimeoutReaper) tick() {
	now := time.Now()
	live := r.peers.All()
	for _, entry := range live {
		if now.Sub(entry.LastSeen()) > r.threshold {
			r.log.Info("reaper: evicting silent peer", "peer", entry.ShortID)
			r.peers.Remove(entry.PublicKeyHex)
		}
	}
	r.metrics.SetPeersConnected(len(r.peers.All()))
	r.metrics.SetPeersObserved(len(r.peers.ObservedPeers()))
}

// EntropyReaper independently drops each peer with EntropyDropProbability,
// for fault-injection resilience testing. Disabled by default; SetEnabled
// toggles it at runtime (spec.md §4.4, §4.6 "entropy toggle").
type EntropyReaper struct {
	peers   *peer.Table
	enabled atomic.Bool
	log     interface{ Info(string, ...any) }
	rngMu   sync.Mutex
	rng     *rand.Rand
}

// NewEntropyReaper constructs an EntropyReaper over peers, disabled.
func NewEntropyReaper(peers *peer.Table) *EntropyReaper {
	return &EntropyReaper{
		peers: peers,
		log:   logging.With("reaper.entropy"),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetEnabled toggles the entropy reaper on or off.
func (r *EntropyReaper) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// Enabled reports whether the entropy reaper is currently active.
func (r *EntropyReaper) Enabled() bool { return r.enabled.Load() }

// Run blocks, ticking until ctx is canceled.
func (r *EntropyReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(EntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.enabled.Load() {
				r.tick()
			}
		}
	}
}

func (r *EntropyReaper) tick() {
	for _, entry := range r.peers.All() {
		if r.roll() < EntropyDropProbability {
			r.log.Info("reaper: entropy drop", "peer", entry.ShortID)
			r.peers.Remove(entry.PublicKeyHex)
		}
	}
}

func (r *EntropyReaper) roll() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

// RetryReaper runs Engine.RunRetryTick on a fixed period (spec.md §4.4, §4.5).
type RetryReaper struct {
	engine *ktp.Engine
}

// NewRetryReaper constructs a RetryReaper over engine.
func NewRetryReaper(engine *ktp.Engine) *RetryReaper {
	return &RetryReaper{engine: engine}
}

// Run blocks, ticking until ctx is canceled.
func (r *RetryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.engine.RunRetryTick()
		}
	}
}
