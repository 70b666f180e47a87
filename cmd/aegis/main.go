// cmd/aegis/main.go
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegis-labs/go-aegis/config"
	"github.com/aegis-labs/go-aegis/core/events"
	"github.com/aegis-labs/go-aegis/node"
)

func main() {
	var (
		nodeID   = flag.String("node-id", "", "Node identifier (overrides config)")
		dataDir  = flag.String("data-dir", "", "Data directory for persistent state (overrides config)")
		minStake = flag.Int64("min-stake", 0, "Minimum guardian stake (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *minStake > 0 {
		cfg.Guardian.MinStake = *minStake
	}

	log.Printf("Starting aegis recovery node %s (data dir: %s)", cfg.NodeID, cfg.DataDir)

	stake := node.NewMemoryStakeLedger()
	ledger := node.NewMemoryOwnershipLedger()
	verifier := node.NewMemoryAuthVerifier()

	svc, err := node.NewService(cfg, stake, ledger, verifier, events.LogSink{})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	if err := svc.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
