package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Peer is a statically configured mesh neighbour. PublicKey is the hex
// encoded ed25519 verification key; it may be empty when the deployment
// runs on a shared HMAC secret instead.
type Peer struct {
	ID        string `yaml:"id" validate:"required"`
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"`
}

type MainConfig struct {
	NodeID       string `yaml:"node_id" validate:"required"`
	Port         string `yaml:"port"`
	WebPath      string `yaml:"web_path"`
	LogPath      string `yaml:"log_path"`
	MetricsPort  string `yaml:"metrics_port"`
	GlobalSecret string `yaml:"global_secret"`
	KeyPath      string `yaml:"key_path"`

	TotalNodes      int     `yaml:"total_nodes" validate:"gte=1"`
	QuorumThreshold float64 `yaml:"quorum_threshold" validate:"gt=0,lte=1"`

	GossipRate     float64 `yaml:"gossip_rate" validate:"gt=0"`
	GossipBurst    int     `yaml:"gossip_burst" validate:"gte=1"`
	ViolationLimit int64   `yaml:"violation_limit" validate:"gte=1"`
	// ViolationWindow and NonceRetention are in seconds.
	ViolationWindow int64 `yaml:"violation_window" validate:"gte=1"`
	NonceRetention  int64 `yaml:"nonce_retention" validate:"gte=1"`
	NonceCacheSize  int   `yaml:"nonce_cache_size" validate:"gte=1"`

	ReputationFloor float64 `yaml:"reputation_floor" validate:"gte=0"`

	RedisAddr string `yaml:"redis_addr"`

	Peers []Peer `yaml:"peers" validate:"dive"`
}

func (c *MainConfig) NonceRetentionDuration() time.Duration {
	return time.Duration(c.NonceRetention) * time.Second
}

// LoadMainConfig reads config/aegis.yml under basePath, falling back to the
// executable directory, and validates the result. Missing file returns the
// defaults together with the error so callers can decide.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := DefaultConfig()

	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if basePath == "" {
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "aegis.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return defaultCfg, err
	}

	cfg := *defaultCfg
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultCfg, err
	}

	if err := Validate(&cfg); err != nil {
		return defaultCfg, err
	}

	return &cfg, nil
}

func DefaultConfig() *MainConfig {
	return &MainConfig{
		NodeID:          "aegis-node",
		Port:            "25600",
		WebPath:         "/aegis",
		LogPath:         "/var/log/mesh_aegis/",
		MetricsPort:     "25601",
		TotalNodes:      10,
		QuorumThreshold: 0.67,
		GossipRate:      10,
		GossipBurst:     20,
		ViolationLimit:  20,
		ViolationWindow: 300,
		NonceRetention:  600,
		NonceCacheSize:  4096,
		ReputationFloor: 0.3,
	}
}

func Validate(cfg *MainConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
