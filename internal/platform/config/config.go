package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"stream-keeper/internal/stream"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration syntax ("1500ms", "3s") or a bare
// integer number of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetEnvBool returns fallback unless the variable parses with strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// StreamConfigFromEnv overlays the RECONNECT_*, MONITOR_INTERVAL,
// STALL_THRESHOLD, START_TIMEOUT, PLAY_*, SOURCE_RELOAD_DELAY and
// DECODER_SINGLE_THREAD variables on stream.DefaultConfig.
func StreamConfigFromEnv() stream.Config {
	c := stream.DefaultConfig()
	c.MaxReconnectAttempts = GetEnvInt("RECONNECT_MAX_ATTEMPTS", c.MaxReconnectAttempts)
	c.ReconnectBaseDelay = GetEnvDuration("RECONNECT_BASE_DELAY", c.ReconnectBaseDelay)
	c.ReconnectMaxDelay = GetEnvDuration("RECONNECT_MAX_DELAY", c.ReconnectMaxDelay)
	c.ReconnectCooldown = GetEnvDuration("RECONNECT_COOLDOWN", c.ReconnectCooldown)
	c.MonitorInterval = GetEnvDuration("MONITOR_INTERVAL", c.MonitorInterval)
	c.StallThreshold = GetEnvDuration("STALL_THRESHOLD", c.StallThreshold)
	c.StartTimeout = GetEnvDuration("START_TIMEOUT", c.StartTimeout)
	c.MaxPlayAttempts = GetEnvInt("PLAY_MAX_ATTEMPTS", c.MaxPlayAttempts)
	c.PlayRetryDelay = GetEnvDuration("PLAY_RETRY_DELAY", c.PlayRetryDelay)
	c.SourceReloadDelay = GetEnvDuration("SOURCE_RELOAD_DELAY", c.SourceReloadDelay)
	c.DisableDecoderWorker = GetEnvBool("DECODER_SINGLE_THREAD", c.DisableDecoderWorker)
	return c
}
