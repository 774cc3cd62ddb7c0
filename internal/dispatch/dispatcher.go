// Package dispatch hands jobs to specific connected nodes and propagates
// cancellation across the fleet.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"flowfleet/internal/model"
	"flowfleet/internal/protocol"
	"flowfleet/internal/registry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrNodeOffline is returned when the target node has no live session
var ErrNodeOffline = errors.New("node is not connected")

// AbortResult is the typed outcome of an abort broadcast
type AbortResult string

const (
	AbortConfirmed AbortResult = "confirmed"
	AbortNotFound  AbortResult = "not_found"
)

// Dispatcher hands jobs to nodes and persists the surrounding bookkeeping
type Dispatcher struct {
	db     *gorm.DB
	reg    *registry.Registry
	client *Client
	logger *logrus.Entry

	// onComplete notifies the job sorter that a slot freed up. Optional.
	onComplete func(file *model.LibraryFile)
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(db *gorm.DB, reg *registry.Registry, client *Client, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		db:     db,
		reg:    reg,
		client: client,
		logger: logger.WithField("component", "dispatcher"),
	}
}

// OnComplete registers the callback invoked after a job completion is
// persisted, so the sorter can pick up the next item.
func (d *Dispatcher) OnComplete(fn func(file *model.LibraryFile)) {
	d.onComplete = fn
}

// Dispatch marks a file processing, assigns it to the node and pushes it to
// the node's agent. A timeout is a typed failure, not a retry; retry policy
// belongs to the caller. A timed-out dispatch is not cancelled node-side;
// the caller must issue an explicit abort if it should not proceed.
func (d *Dispatcher) Dispatch(fileID, flowID, nodeID int, keepFailedFiles bool) (protocol.FileCheckResult, error) {
	conn, ok := d.reg.ConnectionFor(nodeID)
	if !ok {
		return protocol.FileCheckRejected, ErrNodeOffline
	}

	var node model.Node
	if err := d.db.First(&node, nodeID).Error; err != nil {
		return protocol.FileCheckRejected, fmt.Errorf("failed to get node: %w", err)
	}

	var file model.LibraryFile
	if err := d.db.First(&file, fileID).Error; err != nil {
		return protocol.FileCheckRejected, fmt.Errorf("failed to get file: %w", err)
	}

	now := time.Now()
	file.Status = model.FileStatusProcessing
	file.NodeID = nodeID
	file.FlowID = flowID
	file.ProcessingStarted = &now
	file.Reprocessing = false
	if err := d.db.Save(&file).Error; err != nil {
		return protocol.FileCheckRejected, fmt.Errorf("failed to mark file processing: %w", err)
	}

	req := &protocol.DispatchRequest{
		RequestID:       uuid.NewString(),
		File:            file,
		FlowID:          flowID,
		KeepFailedFiles: keepFailedFiles,
		MaxRunners:      node.Runners,
	}

	result, err := d.client.DispatchJob(conn.Address, conn.AgentPort, req)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"file": fileID,
			"node": conn.NodeName,
		}).Warnf("Dispatch failed: %v", err)
		return result, err
	}

	d.logger.WithFields(logrus.Fields{
		"file":   fileID,
		"node":   conn.NodeName,
		"result": result,
	}).Info("Job dispatched")
	return result, nil
}

// Complete persists a job's final state. Idempotent: a duplicate completion
// callback for an already-finished file is a no-op, not an error.
func (d *Dispatcher) Complete(req *protocol.CompleteRequest) error {
	var file model.LibraryFile
	if err := d.db.First(&file, req.FileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("failed to get file: %w", err)
	}

	if file.Finished() {
		return nil
	}

	if req.Success {
		file.Status = model.FileStatusProcessed
	} else {
		file.Status = model.FileStatusFailed
	}
	file.FinalSize = req.FinalSize
	file.OutputPath = req.OutputPath
	file.ProcessingLog = req.ProcessingLog
	// Clear the assignment so the file can be reassigned on reprocessing
	file.NodeID = 0

	if err := d.db.Save(&file).Error; err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	if d.onComplete != nil {
		d.onComplete(&file)
	}
	return nil
}

// Abort broadcasts a cancel for one file to every online node. The first
// node that confirms short-circuits the broadcast; when no node confirms
// the result is AbortNotFound, never an error.
func (d *Dispatcher) Abort(fileID int) AbortResult {
	nodes := d.reg.ListOnline()
	if len(nodes) == 0 {
		return AbortNotFound
	}

	confirmed := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n registry.OnlineNodeInfo) {
			defer wg.Done()
			ok, err := d.client.AbortJob(n.Address, n.AgentPort, fileID)
			if err != nil {
				d.logger.WithField("node", n.NodeName).Debugf("Abort call failed: %v", err)
				return
			}
			if ok {
				select {
				case confirmed <- struct{}{}:
				default:
				}
			}
		}(n)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-confirmed:
		d.logger.WithField("file", fileID).Info("Abort confirmed")
		return AbortConfirmed
	case <-done:
		// Drain a confirmation that raced with completion
		select {
		case <-confirmed:
			d.logger.WithField("file", fileID).Info("Abort confirmed")
			return AbortConfirmed
		default:
			return AbortNotFound
		}
	}
}

// AbortAll is a fire-and-forget fleet-wide stop; no result is awaited
func (d *Dispatcher) AbortAll() {
	for _, n := range d.reg.ListOnline() {
		go func(n registry.OnlineNodeInfo) {
			if err := d.client.AbortAll(n.Address, n.AgentPort); err != nil {
				d.logger.WithField("node", n.NodeName).Debugf("Abort-all call failed: %v", err)
			}
		}(n)
	}
}
