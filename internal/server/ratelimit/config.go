package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern ("*" matches one segment, trailing "/" matches a prefix)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from RATE_LIMIT_* environment
// variables. RATE_LIMIT_SUBMIT_LIMIT caps execution submissions per minute.
func LoadConfig() *Config {
	if !envOr("RATE_LIMIT_ENABLED", true, strconv.ParseBool) {
		return &Config{Enabled: false}
	}

	endpoints := DefaultEndpointConfigs()
	if submit := envOr("RATE_LIMIT_SUBMIT_LIMIT", 0, strconv.Atoi); submit > 0 {
		endpoints[0].Limit = submit
	}

	return &Config{
		Enabled:         true,
		DefaultLimit:    envOr("RATE_LIMIT_DEFAULT_LIMIT", 1000, strconv.Atoi),
		DefaultWindow:   envOr("RATE_LIMIT_DEFAULT_WINDOW", time.Minute, time.ParseDuration),
		CleanupInterval: envOr("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute, time.ParseDuration),
		Whitelist:       parseIPList(os.Getenv("RATE_LIMIT_WHITELIST")),
		Blacklist:       parseIPList(os.Getenv("RATE_LIMIT_BLACKLIST")),
		EndpointConfigs: endpoints,
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
// The submission limit comes first.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Pipeline submissions start background work
		{Path: "/projects/*/executions", Method: "POST", Limit: 60, Window: time.Minute, Burst: 10},

		// Pipeline definition writes
		{Path: "/projects/*/pipelines", Method: "PUT", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/projects/*/pipelines", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/pipelines/", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},

		// Reads fall back to the default limit
	}
}

// envOr parses the environment variable key, falling back to def when it is
// unset or malformed.
func envOr[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// parseIPList parses a comma-separated list of client addresses into a set.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
