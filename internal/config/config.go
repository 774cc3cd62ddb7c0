package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all server configuration
type Config struct {
	MySQL      MySQLConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Migrate    bool
	HTTPAddr   string
	Security   SecurityConfig
	Dispatch   DispatchConfig
	Registry   RegistryConfig
	License    LicenseConfig
	AgentToken string
	NodeLogDir string
	PluginDir  string
}

// LicenseConfig holds the licensing ceiling distributed to nodes
type LicenseConfig struct {
	MaxNodes int
	Level    string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// SecurityConfig holds fleet security configuration. When Enabled is false,
// or the license does not cover user security, node tokens are accepted
// without validation. InternalToken always validates and is used by
// same-process collaborators.
type SecurityConfig struct {
	Enabled              bool
	UserSecurityLicensed bool
	InternalToken        string
}

// DispatchConfig holds timeouts for server -> node RPCs
type DispatchConfig struct {
	DispatchTimeoutSec int
	AbortTimeoutSec    int
}

// RegistryConfig holds connection registry tuning
type RegistryConfig struct {
	DisconnectGraceSec int
	SweepIntervalSec   int
	StaleAfterSec      int
}

// Load loads configuration. When CONFIG_FILE names an INI file, values are
// layered ENV > INI > default; otherwise environment variables only.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if iniPath := os.Getenv("CONFIG_FILE"); iniPath != "" {
		return LoadFromINI(iniPath)
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "flowfleet"),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":19100"),
		Security: SecurityConfig{
			Enabled:              getEnv("SECURITY_ENABLED", "1") == "1",
			UserSecurityLicensed: getEnv("USER_SECURITY_LICENSED", "1") == "1",
			InternalToken:        getEnv("INTERNAL_TOKEN", "internal-node-token"),
		},
		Dispatch: DispatchConfig{
			DispatchTimeoutSec: getEnvInt("DISPATCH_TIMEOUT_SEC", 20),
			AbortTimeoutSec:    getEnvInt("ABORT_TIMEOUT_SEC", 10),
		},
		Registry: RegistryConfig{
			DisconnectGraceSec: getEnvInt("DISCONNECT_GRACE_SEC", 10),
			SweepIntervalSec:   getEnvInt("REGISTRY_SWEEP_INTERVAL_SEC", 5),
			StaleAfterSec:      getEnvInt("HEARTBEAT_STALE_AFTER_SEC", 60),
		},
		License: LicenseConfig{
			MaxNodes: getEnvInt("LICENSE_MAX_NODES", 10),
			Level:    getEnv("LICENSE_LEVEL", "standard"),
		},
		AgentToken: getEnv("AGENT_TOKEN", "default-agent-token"),
		NodeLogDir: getEnv("NODE_LOG_DIR", "/var/log/flowfleet/nodes"),
		PluginDir:  getEnv("PLUGIN_DIR", "/var/lib/flowfleet/plugins"),
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// LoadFromINI loads configuration from an INI file with environment
// variable override. Priority: ENV > INI > default.
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "flowfleet"),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":19100"),
		Security: SecurityConfig{
			Enabled:              getValueBool("SECURITY_ENABLED", "security", "enabled", true),
			UserSecurityLicensed: getValueBool("USER_SECURITY_LICENSED", "security", "user_security_licensed", true),
			InternalToken:        getValue("INTERNAL_TOKEN", "security", "internal_token", "internal-node-token"),
		},
		Dispatch: DispatchConfig{
			DispatchTimeoutSec: getValueInt("DISPATCH_TIMEOUT_SEC", "dispatch", "dispatch_timeout_sec", 20),
			AbortTimeoutSec:    getValueInt("ABORT_TIMEOUT_SEC", "dispatch", "abort_timeout_sec", 10),
		},
		Registry: RegistryConfig{
			DisconnectGraceSec: getValueInt("DISCONNECT_GRACE_SEC", "registry", "disconnect_grace_sec", 10),
			SweepIntervalSec:   getValueInt("REGISTRY_SWEEP_INTERVAL_SEC", "registry", "sweep_interval_sec", 5),
			StaleAfterSec:      getValueInt("HEARTBEAT_STALE_AFTER_SEC", "registry", "stale_after_sec", 60),
		},
		License: LicenseConfig{
			MaxNodes: getValueInt("LICENSE_MAX_NODES", "license", "max_nodes", 10),
			Level:    getValue("LICENSE_LEVEL", "license", "level", "standard"),
		},
		AgentToken: getValue("AGENT_TOKEN", "app", "agent_token", "default-agent-token"),
		NodeLogDir: getValue("NODE_LOG_DIR", "app", "node_log_dir", "/var/log/flowfleet/nodes"),
		PluginDir:  getValue("PLUGIN_DIR", "app", "plugin_dir", "/var/lib/flowfleet/plugins"),
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
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
