package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all conduit server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string      `json:"db_path"`
	TemplateDir     string      `json:"template_dir"`
	LogLevel        string      `json:"log_level"`
	MaxWorkflows    int         `json:"max_workflows"`
	MaxParallel     int         `json:"max_parallel_steps"`
	StepTimeout     string      `json:"step_timeout"`
	HealthInterval  string      `json:"health_interval"`
	SchedulerTick   string      `json:"scheduler_tick"`
	Agents          []AgentSpec `json:"agents"`
	DisableArchive  bool        `json:"disable_archive"`
	DisableMonitors bool        `json:"disable_monitors"`
}

// AgentSpec declares an agent instance to start at boot.
type AgentSpec struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(conduitDir(), "conduit.db"),
		TemplateDir:  filepath.Join(conduitDir(), "templates"),
		LogLevel:     "info",
		MaxWorkflows: 10,
		MaxParallel:  4,
		Agents: []AgentSpec{
			{Name: "classifier-1", Type: "classifier"},
			{Name: "enricher-1", Type: "enricher"},
			{Name: "validator-1", Type: "validator"},
			{Name: "archiver-1", Type: "archiver"},
		},
	}
}

func conduitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

func settingsPath() string {
	return filepath.Join(conduitDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUIT_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUIT_MAX_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkflows = n
		}
	}
	if v := os.Getenv("CONDUIT_MAX_PARALLEL_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("CONDUIT_STEP_TIMEOUT"); v != "" {
		cfg.StepTimeout = v
	}
	if v := os.Getenv("CONDUIT_HEALTH_INTERVAL"); v != "" {
		cfg.HealthInterval = v
	}
	if v := os.Getenv("CONDUIT_SCHEDULER_TICK"); v != "" {
		cfg.SchedulerTick = v
	}
	if v := os.Getenv("CONDUIT_DISABLE_ARCHIVE"); v != "" {
		cfg.DisableArchive = v == "true" || v == "1"
	}
	if v := os.Getenv("CONDUIT_DISABLE_MONITORS"); v != "" {
		cfg.DisableMonitors = v == "true" || v == "1"
	}

	return cfg
}
