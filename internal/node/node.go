// Package node wires together every concern of a running bridge node:
// identity, overlay transport, peer table, task engine, background
// reapers, the control-plane HTTP server, and the A2A gateway mounted
// onto that same server (spec.md §6 "one local HTTP surface").
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kizuna-project/bridge/internal/a2a"
	"github.com/kizuna-project/bridge/internal/config"
	"github.com/kizuna-project/bridge/internal/httpapi"
	"github.com/kizuna-project/bridge/internal/identity"
	"github.com/kizuna-project/bridge/internal/inbox"
	"github.com/kizuna-project/bridge/internal/ktp"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/metrics"
	"github.com/kizuna-project/bridge/internal/overlay"
	"github.com/kizuna-project/bridge/internal/peer"
	"github.com/kizuna-project/bridge/internal/reaper"
)

// Node is one running bridge instance: every long-lived component plus
// the control-plane HTTP server it exposes them through.
type Node struct {
	cfg *config.Config
	id  *identity.Identity

	peers   *peer.Table
	source  *overlay.WSSource
	overlay *overlay.Manager
	inbox   *inbox.Inbox
	engine  *ktp.Engine
	metrics *metrics.Registry

	timeoutReaper *reaper.TimeoutReaper
	entropyReaper *reaper.EntropyReaper
	retryReaper   *reaper.RetryReaper

	httpSrv *httpapi.Server

	log *slog.Logger
}

// New builds a Node from cfg: loads or creates the node identity under
// cfg.DataDir, constructs the overlay connection source, peer table,
// task engine, reapers, control plane, and A2A gateway. The node still
// needs Run to join its default topic and start serving.
func New(cfg *config.Config) (*Node, error) {
	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	peers := peer.NewTable(id.PublicHex)
	ib := inbox.New(inbox.DefaultCapacity)
	reg := metrics.NewRegistry()
	engine := ktp.NewEngine(ktp.NewSentTable(), ktp.NewReceivedTable(), ktp.NewDeadLetterTable(), peers, id.ShortID, reg)

	source := overlay.NewWSSource(id.PublicHex, cfg.OverlayListenAddr, cfg.Seeds)
	overlayMgr := overlay.NewManager(source, cfg.DefaultTopic)

	n := &Node{
		cfg:           cfg,
		id:            id,
		peers:         peers,
		source:        source,
		overlay:       overlayMgr,
		inbox:         ib,
		engine:        engine,
		metrics:       reg,
		timeoutReaper: reaper.NewTimeoutReaper(peers, reg),
		entropyReaper: reaper.NewEntropyReaper(peers),
		retryReaper:   reaper.NewRetryReaper(engine),
		log:           logging.With("node"),
	}
	if cfg.EntropyEnabled {
		n.entropyReaper.SetEnabled(true)
	}

	initialManifest := peer.Manifest{AgentID: id.ShortID, Role: "bridge", Skills: []string{}}

	n.httpSrv = httpapi.NewServer(httpapi.Deps{
		Identity:        id,
		Peers:           peers,
		Overlay:         overlayMgr,
		Inbox:           ib,
		Engine:          engine,
		EntropyReaper:   n.entropyReaper,
		Metrics:         n.metrics,
		APIKey:          cfg.APIKey,
		InitialManifest: initialManifest,
	})

	endpointURL := fmt.Sprintf("http://%s:%d/a2a/v1", cfg.EffectiveBindHost(), cfg.Port)
	gateway := a2a.NewGateway(engine, n.httpSrv.CurrentManifest, id.ShortID, endpointURL, cfg.APIKey != "")
	n.httpSrv.AttachA2A("/", gateway.Handler())

	return n, nil
}

// Run joins the configured default topic, starts the overlay's inbound
// listener and seed dials, starts the background reapers, and blocks
// serving the control plane until ctx is canceled or the listener
// fails.
func (n *Node) Run(ctx context.Context) error {
	if _, err := n.overlay.Join(n.cfg.DefaultTopic, ""); err != nil {
		return err
	}
	if err := n.source.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); n.timeoutReaper.Run(ctx) }()
	go func() { defer wg.Done(); n.entropyReaper.Run(ctx) }()
	go func() { defer wg.Done(); n.retryReaper.Run(ctx) }()
	go func() { defer wg.Done(); n.acceptLoop(ctx) }()

	addr := fmt.Sprintf("%s:%d", n.cfg.EffectiveBindHost(), n.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	n.log.Info("node: control plane listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- n.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = n.httpSrv.Shutdown(context.Background())
		wg.Wait()
		return nil
	case err := <-errCh:
		wg.Wait()
		return err
	}
}

// Identity returns the node's long-lived key pair, e.g. for logging the
// short id at startup.
func (n *Node) Identity() *identity.Identity { return n.id }

func (n *Node) acceptLoop(ctx context.Context) {
	for conn := range n.overlay.Connections(ctx) {
		go n.adopt(conn)
	}
}

func (n *Node) adopt(conn overlay.Connection) {
	sess := peer.NewSession(conn.Stream, conn.PeerPublicKeyHex, n.id, n.peers, n.inbox, n.httpSrv.CurrentManifest, peer.Handlers{
		OnTaskRequest:  n.engine.HandleTaskRequest,
		OnTaskResponse: n.engine.HandleTaskResponse,
	}, n.metrics)
	sess.Run()
}
