package executor

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"flowfleet/agent/config"
	"flowfleet/agent/secrets"
	"flowfleet/internal/protocol"
)

// ConfigSource fetches configuration revisions and plugin packages from
// the server. Revision 0 means "whatever is current".
type ConfigSource interface {
	GetConfiguration(revision int64) (*protocol.ConfigPayload, error)
	DownloadPlugin(name string) ([]byte, error)
}

const (
	removeRetries = 5
	removeBackoff = 200 * time.Millisecond
)

// ApplyEngine downloads configuration revisions and materializes them on
// disk. Applies are serialized by a single lock; a failed apply leaves the
// previously loaded revision authoritative.
type ApplyEngine struct {
	mu      sync.Mutex
	current atomic.Int64

	dirs   *config.DirConfig
	cfg    *config.Config
	source ConfigSource
	cipher *secrets.Cipher
	mods   *ModRunner
	logger *logrus.Entry

	// removeAll is swapped in tests to simulate locked files
	removeAll func(path string) error
}

// NewApplyEngine creates an apply engine and loads the latest revision
// already present on disk, if any.
func NewApplyEngine(dirs *config.DirConfig, cfg *config.Config, source ConfigSource, cipher *secrets.Cipher, mods *ModRunner, logger *logrus.Entry) *ApplyEngine {
	e := &ApplyEngine{
		dirs:      dirs,
		cfg:       cfg,
		source:    source,
		cipher:    cipher,
		mods:      mods,
		logger:    logger.WithField("component", "apply-engine"),
		removeAll: os.RemoveAll,
	}
	if rev := e.latestOnDisk(); rev > 0 {
		e.current.Store(rev)
		e.logger.WithField("revision", rev).Info("Loaded existing configuration revision")
	}
	return e
}

// CurrentRevision returns the revision currently loaded on this node
func (e *ApplyEngine) CurrentRevision() int64 {
	return e.current.Load()
}

// Apply fetches and materializes one configuration revision. Passing 0
// fetches whatever the server considers current. Applying the already
// loaded revision is a no-op success.
func (e *ApplyEngine) Apply(revision int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if revision != 0 && revision == e.current.Load() && e.revisionOnDisk(revision) {
		return nil
	}

	payload, err := e.source.GetConfiguration(revision)
	if err != nil {
		return fmt.Errorf("failed to fetch configuration: %w", err)
	}
	if payload.Revision == e.current.Load() && e.revisionOnDisk(payload.Revision) {
		return nil
	}

	e.logger.WithField("revision", payload.Revision).Info("Applying configuration revision")

	revDir := e.dirs.GetRevisionDir(payload.Revision)
	e.removeWithRetry(revDir)
	if err := os.MkdirAll(revDir, 0755); err != nil {
		return fmt.Errorf("failed to create revision directory: %w", err)
	}

	if err := e.writeScripts(payload); err != nil {
		return err
	}
	if err := e.installPlugins(payload); err != nil {
		return err
	}

	// Node overrides win over global variables; the node only ever sees
	// the merged result.
	payload.Variables = mergeVariables(payload.Variables, payload.NodeVariables)
	payload.NodeVariables = nil

	if err := e.writeConfigFile(payload); err != nil {
		return err
	}

	// Mods run before the revision is promoted: a failing setup script
	// fails the whole apply and the node stays on its previous working
	// revision, to be retried on the next heartbeat.
	if e.cfg.InstallMods && e.mods != nil {
		if err := e.mods.RunBatch(payload.Mods, false, func(line string) {
			e.logger.WithField("revision", payload.Revision).Info(line)
		}); err != nil {
			return err
		}
	}

	e.current.Store(payload.Revision)
	e.cleanStaleRevisions(payload.Revision)

	e.logger.WithField("revision", payload.Revision).Info("Configuration revision applied")
	return nil
}

// LoadConfig reads one revision's serialized configuration back from disk
func (e *ApplyEngine) LoadConfig(revision int64) (*protocol.ConfigPayload, error) {
	data, err := os.ReadFile(e.dirs.GetConfigFile(revision))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if !e.cfg.NoEncryption {
		data, err = e.cipher.Decrypt(data)
		if err != nil {
			return nil, err
		}
	}

	var payload protocol.ConfigPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &payload, nil
}

func (e *ApplyEngine) writeScripts(payload *protocol.ConfigPayload) error {
	sets := []struct {
		kind    string
		scripts []protocol.Script
		byName  bool
	}{
		{config.ScriptsFlow, payload.FlowScripts, false},
		{config.ScriptsSystem, payload.SystemScripts, false},
		{config.ScriptsShared, payload.SharedScripts, true},
	}

	for _, set := range sets {
		dir := e.dirs.GetScriptsDir(payload.Revision, set.kind)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create scripts directory: %w", err)
		}
		for _, script := range set.scripts {
			name := strconv.Itoa(script.ID)
			if set.byName {
				name = script.Name
			}
			path := filepath.Join(dir, name+".js")
			if err := os.WriteFile(path, []byte(script.Code), 0644); err != nil {
				return fmt.Errorf("failed to write script %s: %w", name, err)
			}
		}
	}
	return nil
}

func (e *ApplyEngine) installPlugins(payload *protocol.ConfigPayload) error {
	for _, name := range payload.Plugins {
		data, err := e.source.DownloadPlugin(name)
		if err != nil {
			return fmt.Errorf("failed to download plugin %s: %w", name, err)
		}

		dir := e.dirs.GetPluginDir(payload.Revision, name)
		if err := extractZip(data, dir); err != nil {
			return fmt.Errorf("failed to extract plugin %s: %w", name, err)
		}
		if err := relocateRuntimeFiles(dir); err != nil {
			return fmt.Errorf("failed to prepare plugin %s: %w", name, err)
		}
	}
	return nil
}

func (e *ApplyEngine) writeConfigFile(payload *protocol.ConfigPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}

	if e.cfg.NoEncryption {
		e.logger.Warn("Writing configuration without encryption")
	} else {
		data, err = e.cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt configuration: %w", err)
		}
	}
	return os.WriteFile(e.dirs.GetConfigFile(payload.Revision), data, 0600)
}

// removeWithRetry deletes a directory tree, retrying a few times because
// a runner may still hold a file open. An "already gone" race is success;
// anything else after the last attempt is only worth a warning since the
// subsequent writes overwrite file by file.
func (e *ApplyEngine) removeWithRetry(path string) {
	var err error
	for attempt := 1; attempt <= removeRetries; attempt++ {
		err = e.removeAll(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(removeBackoff * time.Duration(attempt))
	}
	e.logger.Warnf("Failed to remove %s after %d attempts: %v", path, removeRetries, err)
}

func (e *ApplyEngine) cleanStaleRevisions(keep int64) {
	entries, err := os.ReadDir(e.dirs.GetConfigDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rev, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || rev == keep {
			continue
		}
		e.removeWithRetry(filepath.Join(e.dirs.GetConfigDir(), entry.Name()))
	}
}

func (e *ApplyEngine) revisionOnDisk(revision int64) bool {
	_, err := os.Stat(e.dirs.GetConfigFile(revision))
	return err == nil
}

func (e *ApplyEngine) latestOnDisk() int64 {
	entries, err := os.ReadDir(e.dirs.GetConfigDir())
	if err != nil {
		return 0
	}
	var latest int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rev, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || rev <= latest {
			continue
		}
		if e.revisionOnDisk(rev) {
			latest = rev
		}
	}
	return latest
}

func mergeVariables(global, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(global)+len(overrides))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// extractZip unpacks an archive into dir, overwriting existing files
func extractZip(data []byte, dir string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("invalid archive: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	for _, file := range reader.File {
		target := filepath.Join(dir, filepath.Clean(file.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes target directory: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		dst.Close()
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// runtimeSubfolders lists the nested native-runtime folders to probe for
// the current OS and architecture, most specific first.
func runtimeSubfolders() []string {
	var ids []string
	switch runtime.GOOS {
	case "windows":
		ids = []string{"win-x64", "win-x86", "win"}
	case "darwin":
		ids = []string{"osx-x64", "osx"}
	default:
		ids = []string{"linux-x64", "linux-x86", "linux"}
	}
	if runtime.GOARCH == "arm64" {
		switch runtime.GOOS {
		case "darwin":
			ids = []string{"osx-arm64", "osx"}
		default:
			ids = []string{"linux-arm64", "linux"}
		}
	}

	folders := make([]string, 0, len(ids)*2)
	for _, id := range ids {
		folders = append(folders,
			filepath.Join("runtimes", id, "native"),
			filepath.Join("runtimes", id),
		)
	}
	return folders
}

// relocateRuntimeFiles moves native runtime files out of their nested
// per-platform subfolder so they sit alongside the plugin's own files,
// then drops the runtimes tree.
func relocateRuntimeFiles(pluginDir string) error {
	for _, sub := range runtimeSubfolders() {
		src := filepath.Join(pluginDir, sub)
		entries, err := os.ReadDir(src)
		if err != nil {
			continue
		}

		moved := false
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			from := filepath.Join(src, entry.Name())
			to := filepath.Join(pluginDir, entry.Name())
			_ = os.Remove(to)
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("failed to relocate runtime file %s: %w", entry.Name(), err)
			}
			moved = true
		}
		if moved {
			break
		}
	}

	runtimes := filepath.Join(pluginDir, "runtimes")
	if err := os.RemoveAll(runtimes); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
