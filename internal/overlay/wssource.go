package overlay

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kizuna-project/bridge/internal/apperr"
	"github.com/kizuna-project/bridge/internal/logging"
)

// WSSource is a reference ConnectionSource over gorilla/websocket. It is
// not a DHT: seeds are statically configured addresses, and Join/Leave
// are advisory bookkeeping only. It exists so this repo has an
// exercisable, testable transport standing in for the out-of-scope DHT
// (spec.md §1 Non-goals).
type WSSource struct {
	selfPubHex string
	listenAddr string
	seeds      []string

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	connCh chan acceptedConn

	joinedMu sync.Mutex
	joined   map[[32]byte]bool

	log *slog.Logger
}

type acceptedConn struct {
	peerKeyHex string
	stream     Stream
}

// helloFrame is the first frame exchanged on every connection, both
// inbound and outbound, identifying the remote side by public key
// before the stream is handed to the peer session layer.
type helloFrame struct {
	PublicKey string `json:"publicKey"`
}

// NewWSSource creates a WSSource that listens on listenAddr for inbound
// connections and dials each of seeds on Start.
func NewWSSource(selfPubHex, listenAddr string, seeds []string) *WSSource {
	return &WSSource{
		selfPubHex: selfPubHex,
		listenAddr: listenAddr,
		seeds:      seeds,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		connCh:     make(chan acceptedConn),
		joined:     make(map[[32]byte]bool),
		log:        logging.With("overlay.ws"),
	}
}

// Start begins accepting inbound connections on listenAddr and dials
// every configured seed in the background. It returns once the listener
// is up; dialing seeds continues asynchronously.
func (w *WSSource) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/overlay/ws", w.handleInbound)

	w.httpSrv = &http.Server{
		Addr:              w.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return apperr.New("overlay", "Start", err).WithDetails(map[string]any{"addr": w.listenAddr})
	}

	go func() {
		if err := w.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.log.Error("overlay listener stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = w.httpSrv.Close()
	}()

	for _, seed := range w.seeds {
		go w.dialSeed(ctx, seed)
	}

	return nil
}

func (w *WSSource) handleInbound(resp http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		w.log.Warn("overlay: inbound upgrade failed", "error", err)
		return
	}
	w.completeHandshake(conn, true)
}

func (w *WSSource) dialSeed(ctx context.Context, addr string) {
	url := fmt.Sprintf("ws://%s/overlay/ws", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		w.log.Warn("overlay: dial seed failed", "addr", addr, "error", err)
		return
	}
	w.completeHandshake(conn, false)
}

func (w *WSSource) completeHandshake(conn *websocket.Conn, inbound bool) {
	if err := conn.WriteJSON(helloFrame{PublicKey: w.selfPubHex}); err != nil {
		w.log.Warn("overlay: hello send failed", "inbound", inbound, "error", err)
		_ = conn.Close()
		return
	}

	var hello helloFrame
	if err := conn.ReadJSON(&hello); err != nil {
		w.log.Warn("overlay: hello receive failed", "inbound", inbound, "error", err)
		_ = conn.Close()
		return
	}
	if _, err := hex.DecodeString(hello.PublicKey); err != nil || hello.PublicKey == "" {
		w.log.Warn("overlay: hello carried malformed public key", "inbound", inbound)
		_ = conn.Close()
		return
	}

	w.connCh <- acceptedConn{
		peerKeyHex: hello.PublicKey,
		stream:     &wsStream{conn: conn},
	}
}

// Join is advisory: a real DHT would begin rendezvousing on topicHash.
func (w *WSSource) Join(topicHash [32]byte) error {
	w.joinedMu.Lock()
	defer w.joinedMu.Unlock()
	w.joined[topicHash] = true
	return nil
}

// Leave is advisory: see Join.
func (w *WSSource) Leave(topicHash [32]byte) error {
	w.joinedMu.Lock()
	defer w.joinedMu.Unlock()
	delete(w.joined, topicHash)
	return nil
}

// Accept blocks until a new connection is established, inbound or
// outbound, or ctx is canceled.
func (w *WSSource) Accept(ctx context.Context) (string, Stream, error) {
	select {
	case c := <-w.connCh:
		return c.peerKeyHex, c.stream, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// wsStream adapts *websocket.Conn to the Stream interface, treating
// each WebSocket message as exactly one logical frame.
type wsStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes concurrent writers
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *wsStream) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
