package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Script subfolder names inside a revision directory
const (
	ScriptsFlow   = "Flow"
	ScriptsSystem = "System"
	ScriptsShared = "Shared"
)

// DirConfig holds the node's on-disk layout. Each configuration revision
// gets its own directory named after the revision number, so revisions can
// coexist during a transition.
type DirConfig struct {
	DataDir string // Default: /var/lib/flowfleet/node
}

// NewDirConfig creates a new directory configuration from environment variables
func NewDirConfig() *DirConfig {
	return &DirConfig{
		DataDir: getEnv("NODE_DATA_DIR", "/var/lib/flowfleet/node"),
	}
}

// GetConfigDir returns the root of all revision directories
func (c *DirConfig) GetConfigDir() string {
	return filepath.Join(c.DataDir, "config")
}

// GetRevisionDir returns the directory for one revision
func (c *DirConfig) GetRevisionDir(revision int64) string {
	return filepath.Join(c.GetConfigDir(), fmt.Sprintf("%d", revision))
}

// GetConfigFile returns the serialized config path for one revision
func (c *DirConfig) GetConfigFile(revision int64) string {
	return filepath.Join(c.GetRevisionDir(revision), "config.json")
}

// GetScriptsDir returns a script subfolder for one revision
func (c *DirConfig) GetScriptsDir(revision int64, kind string) string {
	return filepath.Join(c.GetRevisionDir(revision), "Scripts", kind)
}

// GetPluginDir returns one plugin's folder for one revision
func (c *DirConfig) GetPluginDir(revision int64, name string) string {
	return filepath.Join(c.GetRevisionDir(revision), "Plugins", name)
}

// GetModsDir returns the setup scripts folder
func (c *DirConfig) GetModsDir() string {
	return filepath.Join(c.DataDir, "mods")
}

// GetModStateFile returns the file recording each mod's last executed revision
func (c *DirConfig) GetModStateFile() string {
	return filepath.Join(c.GetModsDir(), ".executed.json")
}

// EnsureDirectories creates the base directories
func (c *DirConfig) EnsureDirectories() error {
	dirs := []string{
		c.GetConfigDir(),
		c.GetModsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
