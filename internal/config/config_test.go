package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Setenv("JWT_SECRET", "test-secret")
	defer func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MySQL.DSN == "" {
		t.Error("MySQL DSN should not be empty")
	}

	if cfg.HTTPAddr != ":19100" {
		t.Errorf("Expected HTTPAddr :19100, got %s", cfg.HTTPAddr)
	}

	if !cfg.Security.Enabled {
		t.Error("Security should be enabled by default")
	}

	if cfg.Dispatch.DispatchTimeoutSec != 20 {
		t.Errorf("Expected dispatch timeout 20, got %d", cfg.Dispatch.DispatchTimeoutSec)
	}
}

func TestLoad_MissingMySQLDSN(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}
}

func TestLoad_SecurityDisabled(t *testing.T) {
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("SECURITY_ENABLED", "0")
	defer func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
		os.Unsetenv("SECURITY_ENABLED")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Security.Enabled {
		t.Error("Security should be disabled when SECURITY_ENABLED=0")
	}
}

func TestLoadFromINI_EnvOverride(t *testing.T) {
	iniPath := filepath.Join(t.TempDir(), "server.ini")
	content := `[mysql]
dsn = ini:dsn@tcp(localhost:3306)/ini

[jwt]
secret = ini-secret

[dispatch]
dispatch_timeout_sec = 30
`
	if err := os.WriteFile(iniPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write ini file: %v", err)
	}

	os.Setenv("DISPATCH_TIMEOUT_SEC", "45")
	defer os.Unsetenv("DISPATCH_TIMEOUT_SEC")

	cfg, err := LoadFromINI(iniPath)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.MySQL.DSN != "ini:dsn@tcp(localhost:3306)/ini" {
		t.Errorf("Expected INI MySQL DSN, got %s", cfg.MySQL.DSN)
	}

	// ENV beats INI
	if cfg.Dispatch.DispatchTimeoutSec != 45 {
		t.Errorf("Expected env override 45, got %d", cfg.Dispatch.DispatchTimeoutSec)
	}
}

func TestLoad_DelegatesToINIWhenConfigFileSet(t *testing.T) {
	iniPath := filepath.Join(t.TempDir(), "server.ini")
	content := `[mysql]
dsn = ini:dsn@tcp(localhost:3306)/ini

[jwt]
secret = ini-secret

[registry]
disconnect_grace_sec = 25
`
	if err := os.WriteFile(iniPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write ini file: %v", err)
	}

	os.Setenv("CONFIG_FILE", iniPath)
	defer os.Unsetenv("CONFIG_FILE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MySQL.DSN != "ini:dsn@tcp(localhost:3306)/ini" {
		t.Errorf("Expected DSN from INI file, got %s", cfg.MySQL.DSN)
	}
	if cfg.Registry.DisconnectGraceSec != 25 {
		t.Errorf("Expected grace from INI file, got %d", cfg.Registry.DisconnectGraceSec)
	}
}
