package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory ConnectionSource used to test Manager
// without a real transport.
type fakeSource struct {
	joined   chan [32]byte
	left     chan [32]byte
	accepted chan acceptedConn
	joinErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		joined:   make(chan [32]byte, 8),
		left:     make(chan [32]byte, 8),
		accepted: make(chan acceptedConn, 8),
	}
}

func (f *fakeSource) Join(hash [32]byte) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined <- hash
	return nil
}

func (f *fakeSource) Leave(hash [32]byte) error {
	f.left <- hash
	return nil
}

func (f *fakeSource) Accept(ctx context.Context) (string, Stream, error) {
	select {
	case c := <-f.accepted:
		return c.peerKeyHex, c.stream, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

type noopStream struct{ closed bool }

func (n *noopStream) ReadFrame() ([]byte, error) { return nil, nil }
func (n *noopStream) WriteFrame([]byte) error    { return nil }
func (n *noopStream) Close() error               { n.closed = true; return nil }

func TestManager_JoinAdvisesSourceWithTopicHash(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src, "kizuna-bridge")

	hashHex, err := m.Join("research", "")
	require.NoError(t, err)
	require.NotEmpty(t, hashHex)

	select {
	case <-src.joined:
	case <-time.After(time.Second):
		t.Fatal("expected source.Join to be called")
	}
}

func TestManager_LeaveAdvisesSourceAndRemovesTopic(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src, "kizuna-bridge")

	_, err := m.Join("research", "")
	require.NoError(t, err)
	<-src.joined

	require.True(t, m.Leave("research"))
	<-src.left
	require.Len(t, m.Topics(), 0)
}

func TestManager_ConnectionsDeliversAcceptedStreams(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src, "kizuna-bridge")

	stream := &noopStream{}
	src.accepted <- acceptedConn{peerKeyHex: "abcd", stream: stream}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conns := m.Connections(ctx)
	select {
	case c := <-conns:
		require.Equal(t, "abcd", c.PeerPublicKeyHex)
		require.Same(t, stream, c.Stream)
	case <-ctx.Done():
		t.Fatal("expected a connection to be delivered")
	}
}

func TestManager_ConnectionsChannelClosesOnContextCancel(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src, "kizuna-bridge")

	ctx, cancel := context.WithCancel(context.Background())
	conns := m.Connections(ctx)
	cancel()

	select {
	case _, ok := <-conns:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected connections channel to close after cancel")
	}
}
