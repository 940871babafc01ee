// Package config loads mesh broker configuration from environment
// variables, mirroring core/pkg/config.Load's Getenv-with-defaults shape.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the mesh broker's process-wide configuration (spec.md §6).
// No environment variable outside of the ones loaded here is part of the
// contract.
type Config struct {
	TransportURL        string
	PolicyEvaluatorURL  string
	DatabaseURL         string
	PolicyMirrorDir      string
	HealthProbeInterval time.Duration
	DispatchTimeout     time.Duration
	RequestTimeout      time.Duration
	HealthFailThreshold int
	AuditHeavyMaxBytes  int
	LogLevel            string
	Port                string
}

// Load reads configuration from the environment, defaulting unset values.
func Load() *Config {
	return &Config{
		TransportURL:        getenvDefault("MESH_TRANSPORT_URL", "redis://localhost:6379/0"),
		PolicyEvaluatorURL:  getenvDefault("MESH_POLICY_URL", "http://localhost:8181"),
		DatabaseURL:         os.Getenv("MESH_DATABASE_URL"),
		PolicyMirrorDir:      getenvDefault("MESH_POLICY_MIRROR_DIR", "./policies"),
		HealthProbeInterval: getenvDuration("MESH_HEALTH_INTERVAL", 30*time.Second),
		DispatchTimeout:     getenvDuration("MESH_DISPATCH_TIMEOUT", 30*time.Second),
		RequestTimeout:      getenvDuration("MESH_REQUEST_TIMEOUT", 5*time.Second),
		HealthFailThreshold: getenvInt("MESH_HEALTH_FAIL_THRESHOLD", 3),
		AuditHeavyMaxBytes:  getenvInt("MESH_AUDIT_HEAVY_MAX_BYTES", 64*1024),
		LogLevel:            getenvDefault("MESH_LOG_LEVEL", "info"),
		Port:                getenvDefault("PORT", "8080"),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
