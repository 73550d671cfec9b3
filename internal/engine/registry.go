package engine

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrSlotMismatch  = errors.New("slot mismatch")
	ErrDuplicateTask = errors.New("task already registered")
)

// OutcomeKind discriminates the three mutually exclusive task outcomes.
type OutcomeKind string

const (
	OutcomeResult  OutcomeKind = "result"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is what the engine receives for one task.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Data    []byte      `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// taskKey identifies a task. Ids are only unique within a slot.
type taskKey struct {
	slot uint32
	id   uint64
}

// Registry tracks outstanding tasks and delivers each one's outcome once.
// It stands in for the engine side of the submission boundary.
type Registry struct {
	mu      sync.Mutex
	pending map[taskKey]chan Outcome
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[taskKey]chan Outcome)}
}

// Register records a pending task. The returned channel receives exactly one
// Outcome and is then never written again.
func (r *Registry) Register(slot uint32, taskID uint64) (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := taskKey{slot, taskID}
	if _, ok := r.pending[k]; ok {
		return nil, fmt.Errorf("%w: slot %d task %d", ErrDuplicateTask, slot, taskID)
	}
	ch := make(chan Outcome, 1)
	r.pending[k] = ch
	return ch, nil
}

// Cancel forgets a pending task; a later submission for it fails.
func (r *Registry) Cancel(slot uint32, taskID uint64) {
	r.mu.Lock()
	delete(r.pending, taskKey{slot, taskID})
	r.mu.Unlock()
}

// Pending reports the number of outstanding tasks.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) SubmitResult(slot uint32, taskID uint64, data []byte) error {
	return r.submit(slot, taskID, Outcome{Kind: OutcomeResult, Data: data})
}

func (r *Registry) SubmitTimeout(slot uint32, taskID uint64) error {
	return r.submit(slot, taskID, Outcome{Kind: OutcomeTimeout})
}

func (r *Registry) SubmitError(slot uint32, taskID uint64, message string) error {
	return r.submit(slot, taskID, Outcome{Kind: OutcomeError, Message: message})
}

func (r *Registry) submit(slot uint32, taskID uint64, o Outcome) error {
	r.mu.Lock()
	k := taskKey{slot, taskID}
	ch, ok := r.pending[k]
	if !ok {
		other, found := r.slotOf(taskID)
		r.mu.Unlock()
		if found {
			return fmt.Errorf("%w: task %d belongs to slot %d, got %d", ErrSlotMismatch, taskID, other, slot)
		}
		return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	delete(r.pending, k)
	r.mu.Unlock()
	ch <- o
	return nil
}

// slotOf finds a slot that has taskID pending. Callers hold r.mu.
func (r *Registry) slotOf(taskID uint64) (uint32, bool) {
	for k := range r.pending {
		if k.id == taskID {
			return k.slot, true
		}
	}
	return 0, false
}
