package executor

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	agentconfig "flowfleet/agent/config"
	"flowfleet/agent/secrets"
	"flowfleet/internal/protocol"
)

type fakeSource struct {
	payload   *protocol.ConfigPayload
	plugins   map[string][]byte
	fetches   int
	pluginErr error
}

func (s *fakeSource) GetConfiguration(revision int64) (*protocol.ConfigPayload, error) {
	s.fetches++
	return s.payload, nil
}

func (s *fakeSource) DownloadPlugin(name string) ([]byte, error) {
	if s.pluginErr != nil {
		return nil, s.pluginErr
	}
	return s.plugins[name], nil
}

func newTestEngine(t *testing.T, source *fakeSource, noEncryption bool) (*ApplyEngine, *agentconfig.DirConfig) {
	t.Helper()

	dirs := &agentconfig.DirConfig{DataDir: t.TempDir()}
	cfg := &agentconfig.Config{NoEncryption: noEncryption}
	cipher := secrets.NewCipher([]byte("test-machine-secret"))
	logger := logrus.NewEntry(logrus.New())

	return NewApplyEngine(dirs, cfg, source, cipher, nil, logger), dirs
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("Failed to add zip entry: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestApplyWritesScriptsAndPromotesRevision(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{
		Revision:      5,
		FlowScripts:   []protocol.Script{{ID: 10, Name: "Resize", Code: "resize();"}},
		SystemScripts: []protocol.Script{{ID: 20, Name: "Cleanup", Code: "cleanup();"}},
		SharedScripts: []protocol.Script{{ID: 30, Name: "Helpers", Code: "helpers();"}},
	}}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(5); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if engine.CurrentRevision() != 5 {
		t.Errorf("Expected current revision 5, got %d", engine.CurrentRevision())
	}

	// Flow and system scripts are named by id, shared scripts by name
	checks := map[string]string{
		filepath.Join(dirs.GetScriptsDir(5, agentconfig.ScriptsFlow), "10.js"):        "resize();",
		filepath.Join(dirs.GetScriptsDir(5, agentconfig.ScriptsSystem), "20.js"):      "cleanup();",
		filepath.Join(dirs.GetScriptsDir(5, agentconfig.ScriptsShared), "Helpers.js"): "helpers();",
	}
	for path, want := range checks {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Expected script at %s: %v", path, err)
		}
		if string(data) != want {
			t.Errorf("Unexpected script content at %s: %s", path, data)
		}
	}
}

func TestApplySameRevisionIsNoOp(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 3}}
	engine, _ := newTestEngine(t, source, true)

	if err := engine.Apply(3); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	fetches := source.fetches

	if err := engine.Apply(3); err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if source.fetches != fetches {
		t.Errorf("Expected no fetch for already-applied revision, got %d extra", source.fetches-fetches)
	}
}

func TestApplyMergesNodeVariablesOverGlobal(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{
		Revision:      7,
		Variables:     map[string]string{"ffmpeg": "/usr/bin/ffmpeg", "quality": "high"},
		NodeVariables: map[string]string{"quality": "low"},
	}}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(7); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := os.ReadFile(dirs.GetConfigFile(7))
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var stored protocol.ConfigPayload
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("Failed to parse stored config: %v", err)
	}
	if stored.Variables["quality"] != "low" {
		t.Errorf("Expected node override to win, got %s", stored.Variables["quality"])
	}
	if stored.Variables["ffmpeg"] != "/usr/bin/ffmpeg" {
		t.Error("Expected global variable to survive the merge")
	}
	if stored.NodeVariables != nil {
		t.Error("Expected node variables to be folded into the merged set")
	}
}

func TestApplyEncryptsConfigByDefault(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 4}}
	engine, dirs := newTestEngine(t, source, false)

	if err := engine.Apply(4); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	raw, err := os.ReadFile(dirs.GetConfigFile(4))
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if json.Valid(raw) {
		t.Error("Expected config file to be encrypted, got plain JSON")
	}

	loaded, err := engine.LoadConfig(4)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Revision != 4 {
		t.Errorf("Expected decrypted revision 4, got %d", loaded.Revision)
	}
}

func TestApplyRemovesStaleRevisions(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 2}}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(2); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	source.payload = &protocol.ConfigPayload{Revision: 3}
	if err := engine.Apply(3); err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	if _, err := os.Stat(dirs.GetRevisionDir(2)); !os.IsNotExist(err) {
		t.Error("Expected stale revision directory to be removed")
	}
	if _, err := os.Stat(dirs.GetConfigFile(3)); err != nil {
		t.Errorf("Expected new revision to exist: %v", err)
	}
}

func TestApplyFailureLeavesPreviousRevision(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 2}}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(2); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	source.payload = &protocol.ConfigPayload{Revision: 3, Plugins: []string{"Broken"}}
	source.pluginErr = errors.New("download refused")

	if err := engine.Apply(3); err == nil {
		t.Fatal("Expected apply to fail")
	}
	if engine.CurrentRevision() != 2 {
		t.Errorf("Expected previous revision to stay current, got %d", engine.CurrentRevision())
	}
	if _, err := os.Stat(dirs.GetConfigFile(2)); err != nil {
		t.Errorf("Expected previous revision to stay on disk: %v", err)
	}
}

func TestFailingModDoesNotPromoteRevision(t *testing.T) {
	dirs := &agentconfig.DirConfig{DataDir: t.TempDir()}
	cfg := &agentconfig.Config{NoEncryption: true, InstallMods: true}
	logger := logrus.NewEntry(logrus.New())
	cipher := secrets.NewCipher([]byte("test-machine-secret"))
	mods := NewModRunner(dirs, cfg, logger, nil)

	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 1}}
	engine := NewApplyEngine(dirs, cfg, source, cipher, mods, logger)

	if err := engine.Apply(1); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	source.payload = &protocol.ConfigPayload{
		Revision: 2,
		Mods: []protocol.Mod{
			{ID: 1, Name: "broken", Order: 1, Revision: 1, Code: "#!/bin/sh\nexit 1\n"},
		},
	}

	if err := engine.Apply(2); err == nil {
		t.Fatal("Expected apply to fail on the broken setup script")
	}
	if engine.CurrentRevision() != 1 {
		t.Errorf("Expected node to stay on revision 1, got %d", engine.CurrentRevision())
	}
	if _, err := os.Stat(dirs.GetConfigFile(1)); err != nil {
		t.Errorf("Expected previous revision to stay on disk: %v", err)
	}

	// A fixed revision applies cleanly afterwards
	source.payload = &protocol.ConfigPayload{
		Revision: 3,
		Mods: []protocol.Mod{
			{ID: 1, Name: "fixed", Order: 1, Revision: 2, Code: "#!/bin/sh\nexit 0\n"},
		},
	}
	if err := engine.Apply(3); err != nil {
		t.Fatalf("Apply of fixed revision failed: %v", err)
	}
	if engine.CurrentRevision() != 3 {
		t.Errorf("Expected revision 3 after recovery, got %d", engine.CurrentRevision())
	}
}

func TestApplyInstallsPluginAndRelocatesRuntimes(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"Plugin.dll":                        "managed",
		"runtimes/linux-x64/native/lib.so":  "native",
		"runtimes/win-x64/native/lib.dll":   "other-os",
		"runtimes/linux-x64/native/data.db": "blob",
	})
	source := &fakeSource{
		payload: &protocol.ConfigPayload{Revision: 6, Plugins: []string{"Transcoder"}},
		plugins: map[string][]byte{"Transcoder": archive},
	}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(6); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	pluginDir := dirs.GetPluginDir(6, "Transcoder")
	for _, name := range []string{"Plugin.dll", "lib.so", "data.db"} {
		if _, err := os.Stat(filepath.Join(pluginDir, name)); err != nil {
			t.Errorf("Expected %s alongside plugin files: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(pluginDir, "runtimes")); !os.IsNotExist(err) {
		t.Error("Expected runtimes tree to be removed after relocation")
	}
}

func TestApplyRetriesRemovalOfLockedDirectory(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 8}}
	engine, dirs := newTestEngine(t, source, true)

	// The first two removal attempts hit a lock, then it clears
	attempts := 0
	engine.removeAll = func(path string) error {
		attempts++
		if attempts <= 2 {
			return errors.New("device or resource busy")
		}
		return os.RemoveAll(path)
	}

	if err := engine.Apply(8); err != nil {
		t.Fatalf("Apply failed despite transient lock: %v", err)
	}
	if attempts < 3 {
		t.Errorf("Expected removal to be retried, got %d attempts", attempts)
	}
	if engine.CurrentRevision() != 8 {
		t.Errorf("Expected revision 8, got %d", engine.CurrentRevision())
	}
	if _, err := os.Stat(dirs.GetConfigFile(8)); err != nil {
		t.Errorf("Expected revision to be written: %v", err)
	}
}

func TestNewEngineLoadsLatestRevisionFromDisk(t *testing.T) {
	source := &fakeSource{payload: &protocol.ConfigPayload{Revision: 9}}
	engine, dirs := newTestEngine(t, source, true)

	if err := engine.Apply(9); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	reopened := NewApplyEngine(dirs, &agentconfig.Config{NoEncryption: true}, source,
		secrets.NewCipher([]byte("test-machine-secret")), nil, logrus.NewEntry(logrus.New()))
	if reopened.CurrentRevision() != 9 {
		t.Errorf("Expected reopened engine to resume at revision 9, got %d", reopened.CurrentRevision())
	}
}

func TestExtractZipRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../escape.txt")
	if err != nil {
		t.Fatalf("Failed to add zip entry: %v", err)
	}
	if _, err := f.Write([]byte("nope")); err != nil {
		t.Fatalf("Failed to write zip entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}

	if err := extractZip(buf.Bytes(), t.TempDir()); err == nil {
		t.Fatal("Expected traversal entry to be rejected")
	}
}
