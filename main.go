package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mesh_aegis/internal/config"
	"mesh_aegis/internal/identity"
	"mesh_aegis/internal/metrics"
	"mesh_aegis/internal/protection"
	"mesh_aegis/internal/server"
	"mesh_aegis/internal/utils"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	logs := utils.NewManager(cfg.LogPath)
	defer logs.Sync()

	id, err := buildIdentity(cfg)
	if err != nil {
		log.Fatalf("Identity setup failed: %v", err)
	}

	core, err := protection.NewCore(cfg, id, logs.Component("protection"))
	if err != nil {
		log.Fatalf("Protection core setup failed: %v", err)
	}

	net := server.NewGossipNet(cfg, core, logs.Component("gossip"))

	stopCh := make(chan struct{})
	go net.StartAntiEntropy(stopCh)
	go metrics.Serve(":"+cfg.MetricsPort, logs.Component("metrics"))

	log.Printf("Ready to start aegis node %s on port %s", cfg.NodeID, cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(cfg, core, net, logs.Component("server"))
	}()

	select {
	case <-stop:
		log.Println("Stopping aegis node...")
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}

	close(stopCh)
	log.Println("Aegis node stopped")
}

// buildIdentity prefers an ed25519 key file; a shared HMAC secret is the
// fallback for deployments without per-node keys.
func buildIdentity(cfg *config.MainConfig) (identity.Provider, error) {
	if cfg.KeyPath != "" {
		raw, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			log.Fatalf("key file %s must contain a hex ed25519 seed", cfg.KeyPath)
		}
		p := identity.NewEd25519Provider(cfg.NodeID, ed25519.NewKeyFromSeed(seed))
		for _, peer := range cfg.Peers {
			if peer.PublicKey == "" {
				continue
			}
			if err := p.RegisterPeerHex(peer.ID, peer.PublicKey); err != nil {
				return nil, err
			}
		}
		return p, nil
	}

	peerIDs := make([]string, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		peerIDs = append(peerIDs, peer.ID)
	}
	return identity.NewHMACProvider(cfg.NodeID, cfg.GlobalSecret, peerIDs), nil
}
