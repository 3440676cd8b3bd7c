// Package config loads router configuration from command line flags and
// environment variables, plus the JSON backends file.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the call router configuration
type Config struct {
	// HTTP admin API settings
	HTTPAddr string
	LogLevel string

	// NodeID identifies this router instance in published events.
	NodeID string

	// BackendsPath points to the JSON backends file.
	BackendsPath string

	// Routing settings
	IncomingTimeout  time.Duration
	LookupTimeout    time.Duration
	EmergencyNumbers []string
	TestFirst        bool
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	// Define flags
	flag.StringVar(&cfg.HTTPAddr, "http", ":8080", "Admin API listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.NodeID, "node", "", "Node ID for published events (hostname if not set)")
	flag.StringVar(&cfg.BackendsPath, "backends", "resources/config/backends.json", "Path to backends configuration file")
	flag.DurationVar(&cfg.IncomingTimeout, "incoming-timeout", time.Second, "Incoming-call detail retrieval timeout")
	flag.DurationVar(&cfg.LookupTimeout, "lookup-timeout", 5*time.Second, "Backend lookup timeout")
	flag.BoolVar(&cfg.TestFirst, "test-first", false, "Front test backends for non-emergency calls")

	var emergency string
	flag.StringVar(&emergency, "emergency", "", "Extra emergency numbers (comma-separated)")

	flag.Parse()

	cfg.EmergencyNumbers = parseNumberList(emergency)

	// Override with environment variables if set
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if node := os.Getenv("NODE_ID"); node != "" {
		cfg.NodeID = node
	}
	if backendsPath := os.Getenv("BACKENDS_PATH"); backendsPath != "" {
		cfg.BackendsPath = backendsPath
	}
	if timeout := os.Getenv("INCOMING_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.IncomingTimeout = d
		}
	}
	if timeout := os.Getenv("LOOKUP_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.LookupTimeout = d
		}
	}
	if extra := os.Getenv("EMERGENCY_NUMBERS"); extra != "" {
		cfg.EmergencyNumbers = parseNumberList(extra)
	}
	if testFirst := os.Getenv("TEST_FIRST"); testFirst != "" {
		if b, err := strconv.ParseBool(testFirst); err == nil {
			cfg.TestFirst = b
		}
	}

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "callrouter"
		}
	}

	return cfg
}

// parseNumberList parses a comma-separated list of dialable numbers
func parseNumberList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	numbers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			numbers = append(numbers, p)
		}
	}
	return numbers
}
