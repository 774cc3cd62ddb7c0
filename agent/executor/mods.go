package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"flowfleet/agent/config"
	"flowfleet/internal/protocol"
)

// ModResult is the typed outcome of one setup script execution
type ModResult string

const (
	ModExecuted ModResult = "executed"
	ModSkipped  ModResult = "skipped"
	ModFailed   ModResult = "failed"
)

// FailureReporter receives the name and full output of a failed setup
// script so a critical fleet notification can be raised.
type FailureReporter func(modName, output string)

// ProgressFunc receives each output line as it is produced
type ProgressFunc func(line string)

// ModRunner executes setup scripts on this node. A single lock guards all
// execution so two concurrent configuration applications can never run
// scripts in parallel or interleave output.
type ModRunner struct {
	mu        sync.Mutex
	dirs      *config.DirConfig
	cfg       *config.Config
	logger    *logrus.Entry
	onFailure FailureReporter
}

// NewModRunner creates a new setup script runner
func NewModRunner(dirs *config.DirConfig, cfg *config.Config, logger *logrus.Entry, onFailure FailureReporter) *ModRunner {
	return &ModRunner{
		dirs:      dirs,
		cfg:       cfg,
		logger:    logger.WithField("component", "mod-runner"),
		onFailure: onFailure,
	}
}

// RunBatch executes a set of setup scripts in deterministic order. Scripts
// on disk that are no longer part of the set are uninstalled first. The
// batch stops at the first failing script, since later scripts may depend
// on earlier ones.
func (r *ModRunner) RunBatch(mods []protocol.Mod, force bool, progress ProgressFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dirs.GetModsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create mods directory: %w", err)
	}

	SortMods(mods)
	r.uninstallOrphans(mods)

	for _, mod := range mods {
		result, err := r.execute(mod, force, progress)
		if err != nil {
			return err
		}
		if result == ModSkipped {
			r.logger.WithField("mod", mod.Name).Debug("Setup script unchanged, skipping")
		}
	}
	return nil
}

// Execute runs one setup script under the execution lock
func (r *ModRunner) Execute(mod protocol.Mod, force bool, progress ProgressFunc) (ModResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dirs.GetModsDir(), 0755); err != nil {
		return ModFailed, fmt.Errorf("failed to create mods directory: %w", err)
	}
	return r.execute(mod, force, progress)
}

func (r *ModRunner) execute(mod protocol.Mod, force bool, progress ProgressFunc) (ModResult, error) {
	// Always (re)write the script so an operator can run it by hand, even
	// when execution is skipped below.
	scriptPath := filepath.Join(r.dirs.GetModsDir(), ScriptFileName(mod))
	if err := os.WriteFile(scriptPath, []byte(mod.Code), 0755); err != nil {
		return ModFailed, fmt.Errorf("failed to write script %s: %w", mod.Name, err)
	}

	state := r.loadState()
	if !force && state[mod.ID] == mod.Revision {
		return ModSkipped, nil
	}

	r.logger.WithField("mod", mod.Name).Info("Executing setup script")
	output, err := r.runScript(scriptPath, nil, progress)
	if err != nil {
		r.logger.Errorf("========== Setup script failed: %s ==========\n%s\n=============================================", mod.Name, output)
		if r.onFailure != nil {
			r.onFailure(mod.Name, output)
		}
		return ModFailed, fmt.Errorf("setup script %s failed: %w", mod.Name, err)
	}

	state[mod.ID] = mod.Revision
	if err := r.saveState(state); err != nil {
		return ModFailed, fmt.Errorf("failed to record executed revision: %w", err)
	}
	return ModExecuted, nil
}

// uninstallOrphans reverses scripts that were removed from the
// configuration: each is invoked once with an "uninstall" argument
// (best-effort) and then deleted.
func (r *ModRunner) uninstallOrphans(mods []protocol.Mod) {
	known := map[string]bool{}
	for _, mod := range mods {
		known[ScriptFileName(mod)] = true
	}

	entries, err := os.ReadDir(r.dirs.GetModsDir())
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || known[name] || !strings.HasSuffix(name, ".sh") {
			continue
		}

		path := filepath.Join(r.dirs.GetModsDir(), name)
		r.logger.WithField("script", name).Info("Uninstalling removed setup script")
		if _, err := r.runScript(path, []string{"uninstall"}, nil); err != nil {
			r.logger.Warnf("Uninstall of %s failed: %v", name, err)
		}
		// The file goes away regardless of the uninstall outcome
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warnf("Failed to remove %s: %v", name, err)
		}
	}
}

// runScript executes a script with the mods folder as working directory,
// capturing stdout and stderr into one ordered buffer that is also
// streamed line-by-line.
func (r *ModRunner) runScript(path string, args []string, progress ProgressFunc) (string, error) {
	cmd := exec.Command("sh", append([]string{path}, args...)...)
	cmd.Dir = r.dirs.GetModsDir()

	if r.cfg != nil && r.cfg.Elevated() {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(r.cfg.RunAsUID),
				Gid: uint32(r.cfg.RunAsGID),
			},
		}
	}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start script: %w", err)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteString("\n")
		if progress != nil {
			progress(line)
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// An over-long line stops the scan; keep draining so the process
		// is not blocked on a full pipe.
		r.logger.Warnf("Line-by-line capture stopped: %v", scanErr)
		if _, err := io.Copy(&output, pipe); err != nil {
			r.logger.Warnf("Failed to drain script output: %v", err)
		}
	}

	if err := cmd.Wait(); err != nil {
		return output.String(), err
	}
	return output.String(), nil
}

func (r *ModRunner) loadState() map[int]int {
	state := map[int]int{}
	data, err := os.ReadFile(r.dirs.GetModStateFile())
	if err != nil {
		return state
	}
	_ = json.Unmarshal(data, &state)
	return state
}

func (r *ModRunner) saveState(state map[int]int) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.dirs.GetModStateFile(), data, 0644)
}

// SortMods orders setup scripts for execution: by order ascending, ties
// broken by name descending.
func SortMods(mods []protocol.Mod) {
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].Order != mods[j].Order {
			return mods[i].Order < mods[j].Order
		}
		return mods[i].Name > mods[j].Name
	})
}

// ScriptFileName builds the on-disk name for a setup script
func ScriptFileName(mod protocol.Mod) string {
	return fmt.Sprintf("%d_%s_[%d].sh", mod.Order, sanitizeName(mod.Name), mod.Revision)
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, name)
}
