// Command daemon runs one tactmesh node: the link-layer acceptor, the tact
// cadence loop, and the localhost-only control surface, each started as a
// background goroutine (flag-configured ports, bracket-tagged logging),
// blocking until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tactmesh/internal/config"
	"tactmesh/internal/control"
	"tactmesh/internal/link"
	"tactmesh/internal/overlay"
	"tactmesh/internal/store"
	"tactmesh/internal/tact"
)

func main() {
	cfg := config.Default()

	var (
		dataDir     string
		controlPort int
		bindAddr    string
	)
	flag.IntVar(&cfg.P2PPort, "p2p-port", cfg.P2PPort, "link-layer listen port")
	flag.StringVar(&bindAddr, "bind", "0.0.0.0", "link-layer bind address")
	flag.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding system.db and per-user stores")
	flag.IntVar(&controlPort, "control-port", 9800, "localhost control surface port")
	flag.Parse()

	if err := os.MkdirAll(filepath.Join(dataDir, "users"), 0o700); err != nil {
		log.Fatalf("[daemon] data dir: %v", err)
	}

	sys, err := store.OpenSystemStore(filepath.Join(dataDir, "system.db"))
	if err != nil {
		log.Fatalf("[daemon] system store: %v", err)
	}
	defer sys.Close()
	sys.SetRouteTTL(cfg.RouteTTL)

	// The engine and the link layer need each other (the engine asks a
	// NeighborChecker whether a next hop is reachable; the link layer asks
	// the engine for the handshake identity and hands it inbound frames).
	// Build the engine first with its neighbor checker wired in afterward,
	// breaking the construction cycle (overlay.Engine.SetNeighbors).
	engine := overlay.NewEngine(sys, cfg, nil)
	links := link.NewManager(cfg, sys, engine)
	engine.SetNeighbors(links)

	adapter := control.NewAdapter(cfg, sys, engine, links, filepath.Join(dataDir, "users"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		addr := fmt.Sprintf("%s:%d", bindAddr, cfg.P2PPort)
		if err := links.Serve(ctx, addr); err != nil {
			log.Printf("[link] listener stopped: %v", err)
		}
	}()

	loop := tact.NewLoop(cfg, sys, links)
	go loop.Run(ctx)

	controlAddr := fmt.Sprintf("127.0.0.1:%d", controlPort)
	controlSrv := &http.Server{
		Addr:              controlAddr,
		Handler:           adapter.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[control] listening on %s (local only)", controlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[control] http: %v", err)
		}
	}()

	log.Printf("[daemon] tactmesh running: link-port=%d control-port=%d data-dir=%s tact-interval=%s",
		cfg.P2PPort, controlPort, dataDir, cfg.TactInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("[daemon] shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = controlSrv.Shutdown(shutdownCtx)
	links.Close()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tactmesh"
	}
	return filepath.Join(home, ".tactmesh")
}
