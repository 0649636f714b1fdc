package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowcore server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	TimerInterval string `json:"timer_interval"` // Go duration string
	VaultKey      string `json:"-"`              // env only, never persisted
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(flowcoreDir(), "flowcore.db"),
		LogLevel:      "info",
		PoolSize:      16,
		TimerInterval: "5s",
	}
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWCORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWCORE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWCORE_TIMER_INTERVAL"); v != "" {
		cfg.TimerInterval = v
	}
	cfg.VaultKey = os.Getenv("FLOWCORE_VAULT_KEY")

	return cfg
}

func (c Config) timerInterval() time.Duration {
	d, err := time.ParseDuration(c.TimerInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
