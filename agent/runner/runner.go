// Package runner tracks the jobs executing on this node and enforces the
// node's concurrency ceiling.
package runner

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"flowfleet/internal/protocol"
)

// ProcessFunc executes one job. It runs until the file is finished or ctx
// is cancelled by an abort, and returns the completion report.
type ProcessFunc func(ctx context.Context, req *protocol.DispatchRequest) *protocol.CompleteRequest

// CompleteFunc delivers a finished job's report back to the server
type CompleteFunc func(report *protocol.CompleteRequest)

// Manager owns the set of running jobs. The dispatch decision and the job
// table are guarded by one mutex so capacity can never be oversubscribed
// by concurrent dispatches.
type Manager struct {
	mu   sync.Mutex
	jobs map[int]context.CancelFunc

	process    ProcessFunc
	onComplete CompleteFunc
	logger     *logrus.Entry
}

// NewManager creates a new job manager
func NewManager(process ProcessFunc, onComplete CompleteFunc, logger *logrus.Entry) *Manager {
	return &Manager{
		jobs:       make(map[int]context.CancelFunc),
		process:    process,
		onComplete: onComplete,
		logger:     logger.WithField("component", "runner"),
	}
}

// Active returns the number of jobs currently running
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// TryStart accepts or refuses one dispatched job. MaxRunners in the
// request is the server's view of this node's ceiling.
func (m *Manager) TryStart(req *protocol.DispatchRequest) protocol.FileCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.jobs[req.File.ID]; running {
		// The same file can never run twice concurrently
		return protocol.FileCheckRejected
	}
	if req.MaxRunners > 0 && len(m.jobs) >= req.MaxRunners {
		return protocol.FileCheckAtCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.jobs[req.File.ID] = cancel

	go m.run(ctx, req)
	return protocol.FileCheckAccepted
}

func (m *Manager) run(ctx context.Context, req *protocol.DispatchRequest) {
	m.logger.WithField("file", req.File.ID).Info("Job started")

	report := m.process(ctx, req)

	m.mu.Lock()
	delete(m.jobs, req.File.ID)
	m.mu.Unlock()

	if report != nil && m.onComplete != nil {
		m.onComplete(report)
	}
	m.logger.WithField("file", req.File.ID).Info("Job finished")
}

// Abort cancels one running job. Returns whether the job was found here.
func (m *Manager) Abort(fileID int) bool {
	m.mu.Lock()
	cancel, ok := m.jobs[fileID]
	m.mu.Unlock()

	if ok {
		m.logger.WithField("file", fileID).Info("Aborting job")
		cancel()
	}
	return ok
}

// AbortAll cancels every running job
func (m *Manager) AbortAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.jobs))
	for _, cancel := range m.jobs {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	if len(cancels) > 0 {
		m.logger.WithField("jobs", len(cancels)).Info("Aborting all jobs")
	}
	for _, cancel := range cancels {
		cancel()
	}
}
