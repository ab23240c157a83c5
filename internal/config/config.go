// Package config centralizes runtime configuration for vsb. Policy
// constants (timeouts, penalties, rewards, limits) ship as compiled-in
// defaults matching the protocol reference values; an optional config file
// may override any of them without altering the protocol. A missing or
// unparsable file falls back to defaults so development builds run with
// minimal friction.
package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds the bind parameters and protocol policy knobs for one
// process. A single Config is built at startup and treated as read-only
// afterwards.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ProxyURL string `mapstructure:"proxy_url"`

	// HTTP gateway
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`

	// Consensus policy
	AttestationThreshold int `mapstructure:"attestation_threshold"`
	BroadcastCap         int `mapstructure:"broadcast_cap"`

	// Session liveness
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	// Score adjustments
	PenaltyMissedHeartbeat uint64 `mapstructure:"penalty_missed_heartbeat"`
	PenaltyLateMessage     uint64 `mapstructure:"penalty_late_message"`
	PenaltyMismatchedData  uint64 `mapstructure:"penalty_mismatched_data"`
	RewardOptimistic       uint64 `mapstructure:"reward_optimistic"`
	RewardConsensus        uint64 `mapstructure:"reward_consensus"`

	// Operational extras
	JournalFile string `mapstructure:"journal_file"`
	DocsDir     string `mapstructure:"docs_dir"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     8080,
		ProxyURL: "http://localhost:8080",

		MaxPayloadBytes: 5 * 1024 * 1024,
		RequestTimeout:  10 * time.Second,

		AttestationThreshold: 1,
		BroadcastCap:         50,

		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  10 * time.Second,

		PenaltyMissedHeartbeat: 1,
		PenaltyLateMessage:     1,
		PenaltyMismatchedData:  1,
		RewardOptimistic:       10,
		RewardConsensus:        10,

		JournalFile: "",
		DocsDir:     "internal/docs",
	}
}

// Load reads a config file at path and overlays it on the defaults. An
// empty path, a missing file, or a parse error all yield the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Config file %s not usable (%v), using defaults", path, err)
		return cfg, nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		log.Printf("Config file %s not parsable (%v), using defaults", path, err)
		return Default(), nil
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("proxy_url", cfg.ProxyURL)
	v.SetDefault("max_payload_bytes", cfg.MaxPayloadBytes)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("attestation_threshold", cfg.AttestationThreshold)
	v.SetDefault("broadcast_cap", cfg.BroadcastCap)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("heartbeat_timeout", cfg.HeartbeatTimeout)
	v.SetDefault("penalty_missed_heartbeat", cfg.PenaltyMissedHeartbeat)
	v.SetDefault("penalty_late_message", cfg.PenaltyLateMessage)
	v.SetDefault("penalty_mismatched_data", cfg.PenaltyMismatchedData)
	v.SetDefault("reward_optimistic", cfg.RewardOptimistic)
	v.SetDefault("reward_consensus", cfg.RewardConsensus)
	v.SetDefault("journal_file", cfg.JournalFile)
	v.SetDefault("docs_dir", cfg.DocsDir)
}
