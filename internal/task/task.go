// Package task tracks the lifecycle of one expression evaluation as seen by
// its client: a small state machine plus append-only messages and artifacts.
package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// State is the externally visible status of a task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrInvalidTransition is returned when a transition is not allowed from
// the task's current state.
var ErrInvalidTransition = errors.New("invalid task transition")

var allowedTransitions = map[State]map[State]struct{}{
	StateSubmitted: {
		StateWorking: {},
		StateFailed:  {},
	},
	StateWorking: {
		StateInputRequired: {},
		StateCompleted:     {},
		StateFailed:        {},
	},
	StateInputRequired: {
		StateWorking: {},
		StateFailed:  {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// ValidateTransition reports whether from → to is allowed.
func ValidateTransition(from, to State) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("unknown task state %q", from)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Artifact is a named output attached to a completed task.
type Artifact struct {
	Name  string         `json:"name"`
	Value rational.Value `json:"value"`
}

// Task is safe for concurrent use.
type Task struct {
	mu        sync.Mutex
	id        string
	sessionID string
	state     State
	cause     error
	messages  []protocol.Envelope
	artifacts []Artifact
}

// New creates a task in the submitted state.
func New(id, sessionID string) *Task {
	return &Task{id: id, sessionID: sessionID, state: StateSubmitted}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// SessionID returns the id of the session the task belongs to.
func (t *Task) SessionID() string { return t.sessionID }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cause returns the error recorded by Fail.
func (t *Task) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *Task) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ValidateTransition(t.state, to); err != nil {
		return err
	}
	t.state = to
	return nil
}

// Start moves submitted → working when the first operation is dispatched.
func (t *Task) Start() error { return t.transition(StateWorking) }

// RequireInput moves working → input-required.
func (t *Task) RequireInput() error { return t.transition(StateInputRequired) }

// ProvideInput moves input-required → working.
func (t *Task) ProvideInput() error { return t.transition(StateWorking) }

// Complete moves working → completed.
func (t *Task) Complete() error { return t.transition(StateCompleted) }

// Fail moves any non-terminal state to failed and records cause.
func (t *Task) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ValidateTransition(t.state, StateFailed); err != nil {
		return err
	}
	t.state = StateFailed
	t.cause = cause
	return nil
}

// AppendMessage records an envelope exchanged on behalf of the task.
func (t *Task) AppendMessage(env protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, env)
}

// AddArtifact attaches an output. Artifacts may only be added while the
// task is working.
func (t *Task) AddArtifact(a Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateWorking {
		return fmt.Errorf("cannot add artifact %q to a %s task", a.Name, t.state)
	}
	t.artifacts = append(t.artifacts, a)
	return nil
}

// Messages returns a copy of the recorded envelopes.
func (t *Task) Messages() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.messages...)
}

// Artifacts returns a copy of the attached artifacts.
func (t *Task) Artifacts() []Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Artifact(nil), t.artifacts...)
}

// Snapshot is the serializable view of a task.
type Snapshot struct {
	ID        string              `json:"id"`
	SessionID string              `json:"sessionId"`
	State     State               `json:"state"`
	Error     string              `json:"error,omitempty"`
	Messages  []protocol.Envelope `json:"messages"`
	Artifacts []Artifact          `json:"artifacts"`
}

// Snapshot returns a consistent copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.id,
		SessionID: t.sessionID,
		State:     t.state,
		Messages:  append([]protocol.Envelope{}, t.messages...),
		Artifacts: append([]Artifact{}, t.artifacts...),
	}
	if t.cause != nil {
		s.Error = t.cause.Error()
	}
	return s
}
