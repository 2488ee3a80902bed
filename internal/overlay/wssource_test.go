package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWSSource_DialAndAcceptExchangeHelloFrames(t *testing.T) {
	serverAddr := "127.0.0.1:19321"
	server := NewWSSource("5e7e5e7e01", serverAddr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, server.Start(ctx))
	time.Sleep(50 * time.Millisecond) // let the listener come up

	client := NewWSSource("c11e7c11e702", "127.0.0.1:0", []string{serverAddr})
	require.NoError(t, client.Start(ctx))

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 2*time.Second)
	defer acceptCancel()

	serverSidePeerKey, serverStream, err := server.Accept(acceptCtx)
	require.NoError(t, err)
	require.Equal(t, "c11e7c11e702", serverSidePeerKey)
	defer serverStream.Close()

	clientSidePeerKey, clientStream, err := client.Accept(acceptCtx)
	require.NoError(t, err)
	require.Equal(t, "5e7e5e7e01", clientSidePeerKey)
	defer clientStream.Close()

	require.NoError(t, serverStream.WriteFrame([]byte(`{"type":"ping"}`)))
	frame, err := clientStream.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(frame))
}

func TestWSSource_JoinAndLeaveAreAdvisoryOnly(t *testing.T) {
	src := NewWSSource("pub-hex", "127.0.0.1:0", nil)
	hash := HashTopic("research", "")

	require.NoError(t, src.Join(hash))
	require.NoError(t, src.Leave(hash))
}
