package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"mesh_aegis/internal/config"
	"mesh_aegis/internal/protection"
)

// StartServer exposes the gossip endpoint and operational surfaces. Blocks
// until the listener fails.
func StartServer(cfg *config.MainConfig, core *protection.Core, net *GossipNet, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebPath+"/gossip", net.HandleGossip)
	mux.HandleFunc(cfg.WebPath+"/health_check", handleHealthCheck)
	mux.HandleFunc(cfg.WebPath+"/quarantine", func(w http.ResponseWriter, r *http.Request) {
		handleQuarantineStatus(w, r, core, log)
	})

	log.Infow("starting aegis server", "port", cfg.Port, "web_path", cfg.WebPath)
	return http.ListenAndServe(":"+cfg.Port, mux)
}

func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleQuarantineStatus reports the active quarantine table and the
// shield's running metrics for operators.
func handleQuarantineStatus(w http.ResponseWriter, r *http.Request, core *protection.Core, log *zap.SugaredLogger) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := struct {
		Active  interface{} `json:"active"`
		Metrics interface{} `json:"metrics"`
	}{
		Active:  core.Shield.ListQuarantined(),
		Metrics: core.Shield.GetMetrics(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Errorw("failed to encode quarantine status", "err", err)
	}
}
