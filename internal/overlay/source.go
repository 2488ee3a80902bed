package overlay

import "context"

// Stream is one bidirectional, message-framed connection to a peer.
// Each WriteFrame call sends exactly one logical frame; each ReadFrame
// call returns exactly one logical frame, so the session layer never
// needs to re-derive frame boundaries from a byte stream.
type Stream interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// ConnectionSource is the pluggable external connection provider — in
// production, a real DHT/overlay transport (out of scope here); for
// development and tests, the WSSource in this package. It yields every
// new connection, inbound or outbound, as an authenticated
// (peerPublicKeyHex, Stream) pair.
type ConnectionSource interface {
	// Join advises the source that the node is participating in the
	// topic identified by hash. Advisory only: the source is not
	// required to tear down existing streams when a topic is later left.
	Join(hash [32]byte) error

	// Leave advises the source the node is no longer rendezvousing on hash.
	Leave(hash [32]byte) error

	// Accept blocks until a new connection (inbound or outbound) is
	// available, or ctx is canceled.
	Accept(ctx context.Context) (peerPublicKeyHex string, stream Stream, err error)
}
