package reaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/overlay"
	"github.com/kizuna-project/bridge/internal/peer"
)

type noopStream struct{}

func (noopStream) ReadFrame() ([]byte, error) { select {} }
func (noopStream) WriteFrame([]byte) error    { return nil }
func (noopStream) Close() error               { return nil }

func TestTimeoutReaper_EvictsPeerPastThreshold(t *testing.T) {
	tbl := peer.NewTable("self-key")
	tbl.Insert("peer-a", overlay.Stream(noopStream{}), func(any) error { return nil }, func() {})

	r := NewTimeoutReaper(tbl, metrics.NewRegistry())
	r.threshold = 0 // any peer is immediately "stale" for this test

	time.Sleep(time.Millisecond) // ensure lastSeen is strictly in the past
	r.tick()

	_, ok := tbl.Get("peer-a")
	require.False(t, ok)
}

func TestTimeoutReaper_LeavesFreshPeerAlone(t *testing.T) {
	tbl := peer.NewTable("self-key")
	tbl.Insert("peer-a", overlay.Stream(noopStream{}), func(any) error { return nil }, func() {})

	r := NewTimeoutReaper(tbl, metrics.NewRegistry()) // default threshold, far from expiring

	r.tick()

	_, ok := tbl.Get("peer-a")
	require.True(t, ok)
}

func TestEntropyReaper_SetEnabledToggles(t *testing.T) {
	tbl := peer.NewTable("self-key")
	r := NewEntropyReaper(tbl)

	require.False(t, r.Enabled())
	r.SetEnabled(true)
	require.True(t, r.Enabled())
	r.SetEnabled(false)
	require.False(t, r.Enabled())
}

func TestEntropyReaper_RollIsWithinUnitRange(t *testing.T) {
	tbl := peer.NewTable("self-key")
	r := NewEntropyReaper(tbl)

	for i := 0; i < 100; i++ {
		v := r.roll()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}
