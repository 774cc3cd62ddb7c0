package config

import (
	"os"
	"strconv"
)

// Config holds node agent configuration. The encryption escape hatch and
// the elevated-execution mode are resolved once here at startup, never
// re-read mid-run.
type Config struct {
	ServerURL            string
	Token                string
	Hostname             string
	HTTPAddr             string
	AgentPort            int
	HeartbeatIntervalSec int
	TempPath             string
	AgentToken           string
	ProcessCommand       string
	LogFile              string
	LogSyncIntervalSec   int
	InstallMods          bool
	NoEncryption         bool
	RunAsUID             int
	RunAsGID             int
}

// Load loads agent configuration from environment variables
func Load() *Config {
	hostname := getEnv("NODE_HOSTNAME", "")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	cfg := &Config{
		ServerURL:            getEnv("SERVER_URL", "http://localhost:19100"),
		Token:                getEnv("NODE_TOKEN", ""),
		Hostname:             hostname,
		HTTPAddr:             getEnv("AGENT_HTTP_ADDR", ":19101"),
		AgentPort:            getEnvInt("AGENT_PORT", 19101),
		HeartbeatIntervalSec: getEnvInt("HEARTBEAT_INTERVAL_SEC", 10),
		TempPath:             getEnv("NODE_TEMP_PATH", "/tmp/flowfleet"),
		AgentToken:           getEnv("AGENT_TOKEN", "default-agent-token"),
		ProcessCommand:       getEnv("PROCESS_COMMAND", ""),
		LogFile:              getEnv("NODE_LOG_FILE", "/var/log/flowfleet/node.log"),
		LogSyncIntervalSec:   getEnvInt("LOG_SYNC_INTERVAL_SEC", 300),
		InstallMods:          getEnv("INSTALL_MODS", "1") == "1",
		// Debug escape hatch: plain-text config on disk. Never the default.
		NoEncryption: getEnv("NO_CONFIG_ENCRYPTION", "0") == "1",
		RunAsUID:     getEnvInt("PUID", 0),
		RunAsGID:     getEnvInt("PGID", 0),
	}

	return cfg
}

// Elevated reports whether setup scripts should run with the configured
// user/group ids. Enabled by the presence of PUID/PGID.
func (c *Config) Elevated() bool {
	return c.RunAsUID > 0 || c.RunAsGID > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
