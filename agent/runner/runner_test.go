package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"flowfleet/internal/model"
	"flowfleet/internal/protocol"
)

func dispatchReq(fileID, maxRunners int) *protocol.DispatchRequest {
	return &protocol.DispatchRequest{
		RequestID:  "req",
		File:       model.LibraryFile{BaseModel: model.BaseModel{ID: fileID}},
		MaxRunners: maxRunners,
	}
}

// blockingProcess runs until aborted, signalling start on started
func blockingProcess(started chan<- int) ProcessFunc {
	return func(ctx context.Context, req *protocol.DispatchRequest) *protocol.CompleteRequest {
		started <- req.File.ID
		<-ctx.Done()
		return &protocol.CompleteRequest{FileID: req.File.ID, Success: false}
	}
}

func TestTryStartEnforcesCapacity(t *testing.T) {
	started := make(chan int, 4)
	m := NewManager(blockingProcess(started), nil, logrus.NewEntry(logrus.New()))
	defer m.AbortAll()

	if result := m.TryStart(dispatchReq(1, 2)); result != protocol.FileCheckAccepted {
		t.Fatalf("Expected first job accepted, got %s", result)
	}
	<-started
	if result := m.TryStart(dispatchReq(2, 2)); result != protocol.FileCheckAccepted {
		t.Fatalf("Expected second job accepted, got %s", result)
	}
	<-started

	if result := m.TryStart(dispatchReq(3, 2)); result != protocol.FileCheckAtCapacity {
		t.Errorf("Expected at_capacity with 2 of 2 runners busy, got %s", result)
	}
	if m.Active() != 2 {
		t.Errorf("Expected 2 active jobs, got %d", m.Active())
	}
}

func TestTryStartRejectsDuplicateFile(t *testing.T) {
	started := make(chan int, 2)
	m := NewManager(blockingProcess(started), nil, logrus.NewEntry(logrus.New()))
	defer m.AbortAll()

	if result := m.TryStart(dispatchReq(7, 4)); result != protocol.FileCheckAccepted {
		t.Fatalf("Expected accept, got %s", result)
	}
	<-started

	if result := m.TryStart(dispatchReq(7, 4)); result != protocol.FileCheckRejected {
		t.Errorf("Expected duplicate file to be rejected, got %s", result)
	}
}

func TestAbortCancelsJobAndReportsCompletion(t *testing.T) {
	started := make(chan int, 1)
	reports := make(chan *protocol.CompleteRequest, 1)
	m := NewManager(blockingProcess(started), func(r *protocol.CompleteRequest) {
		reports <- r
	}, logrus.NewEntry(logrus.New()))

	if result := m.TryStart(dispatchReq(5, 1)); result != protocol.FileCheckAccepted {
		t.Fatalf("Expected accept, got %s", result)
	}
	<-started

	if !m.Abort(5) {
		t.Fatal("Expected abort to find the running job")
	}

	select {
	case report := <-reports:
		if report.FileID != 5 {
			t.Errorf("Expected completion report for file 5, got %d", report.FileID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for completion report")
	}

	if m.Abort(5) {
		t.Error("Expected abort of a finished job to report not found")
	}
}

func TestAbortAllCancelsEverything(t *testing.T) {
	started := make(chan int, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	m := NewManager(blockingProcess(started), func(*protocol.CompleteRequest) {
		wg.Done()
	}, logrus.NewEntry(logrus.New()))

	for i := 1; i <= 3; i++ {
		if result := m.TryStart(dispatchReq(i, 3)); result != protocol.FileCheckAccepted {
			t.Fatalf("Expected job %d accepted, got %s", i, result)
		}
		<-started
	}

	m.AbortAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for all jobs to finish")
	}
	if m.Active() != 0 {
		t.Errorf("Expected no active jobs after abort-all, got %d", m.Active())
	}
}
