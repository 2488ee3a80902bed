// Command bridged runs one Kizuna bridge node: DHT-backed peer
// discovery (here, a WebSocket reference transport), signed envelope
// messaging, KTP task delegation, and the A2A gateway and local HTTP
// control plane sharing one listener (spec.md §6); the overlay transport
// listens on its own address.
//
// Usage:
//
//	bridged
//
// The YAML config path, if any, is read from KIZUNA_CONFIG_PATH; every
// setting may also be supplied by its own environment variable, see
// internal/config. No positional or flag-based configuration is
// accepted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kizuna-project/bridge/internal/config"
	"github.com/kizuna-project/bridge/internal/logging"
	"github.com/kizuna-project/bridge/internal/node"
)

func main() {
	cfg, err := config.Load(os.Getenv("KIZUNA_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridged: config error:", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridged: startup error:", err)
		os.Exit(1)
	}

	logging.Info("bridged: node identity ready", "shortId", n.Identity().ShortID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bridged: exited with error:", err)
		os.Exit(1)
	}
}
