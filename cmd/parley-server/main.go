// Command parley-server runs the Parley chat server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-chat/parley/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.parley/server.toml", "Path to config file (created with defaults if missing)")
	port := flag.Int("port", 0, "Override the TCP port from the config")
	metricsPort := flag.Int("metrics-port", -1, "Override the metrics port from the config (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging to stderr")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		config.Server.TCPPort = *port
	}
	if *metricsPort >= 0 {
		config.Server.MetricsPort = *metricsPort
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	storeDir, err := config.GetFileStoreDir()
	if err != nil {
		log.Fatalf("Failed to resolve file store dir: %v", err)
	}

	srv, err := server.NewServer(dbPath, storeDir, config.ToServerConfig())
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Parley server listening on %s", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
