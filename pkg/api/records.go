package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/strandline/ferryman/pkg/task"
)

// RequestState tracks a request through the gateway.
// Received -> Validated -> Queued -> Executing -> terminal, or
// Received -> Rejected. No state is ever re-entered.
type RequestState string

const (
	StateReceived  RequestState = "received"
	StateValidated RequestState = "validated"
	StateQueued    RequestState = "queued"
	StateExecuting RequestState = "executing"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
	StateTimedOut  RequestState = "timed_out"
	StateRejected  RequestState = "rejected"
)

var stateTransitions = map[RequestState][]RequestState{
	StateReceived:  {StateValidated, StateRejected},
	StateValidated: {StateQueued},
	StateQueued:    {StateExecuting},
	StateExecuting: {StateCompleted, StateFailed, StateTimedOut},
}

// TaskRecord is the gateway's view of one submitted task, polled via
// GET /api/v1/tasks/{id} for async submissions.
type TaskRecord struct {
	ID          string       `json:"id"`
	State       RequestState `json:"state"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Result      *task.Result `json:"result,omitempty"`

	mu sync.Mutex
}

// advance moves the record to the next state, enforcing the machine.
func (rec *TaskRecord) advance(next RequestState) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for _, allowed := range stateTransitions[rec.State] {
		if allowed == next {
			rec.State = next
			return nil
		}
	}
	return fmt.Errorf("illegal request state transition %s -> %s", rec.State, next)
}

// complete records the terminal result and state in one step.
func (rec *TaskRecord) complete(res task.Result) {
	terminal := StateFailed
	switch res.Status {
	case task.StatusSucceeded:
		terminal = StateCompleted
	case task.StatusTimedOut:
		terminal = StateTimedOut
	}

	rec.mu.Lock()
	rec.Result = &res
	rec.mu.Unlock()
	_ = rec.advance(terminal)
}

// view returns a copy safe to serialize while the run mutates the record.
func (rec *TaskRecord) view() TaskRecord {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return TaskRecord{
		ID:          rec.ID,
		State:       rec.State,
		SubmittedAt: rec.SubmittedAt,
		Result:      rec.Result,
	}
}

// recordStore keeps task records in memory.
type recordStore struct {
	mu      sync.RWMutex
	records map[string]*TaskRecord
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[string]*TaskRecord)}
}

func (s *recordStore) create(id string) *TaskRecord {
	rec := &TaskRecord{
		ID:          id,
		State:       StateReceived,
		SubmittedAt: time.Now(),
	}
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return rec
}

func (s *recordStore) get(id string) (*TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}
