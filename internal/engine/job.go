package engine

import (
	"errors"
	"fmt"
	"sync"
)

// State of a job.
type State string

const (
	// StateCreated jobs have no complete safe object bound yet.
	StateCreated State = "created"
	// StateParametersPending jobs are bound and wait for parameters or
	// dependencies.
	StateParametersPending State = "parameters_pending"
	StateRunning           State = "running"
	StateFinished          State = "finished"
	StateFailed            State = "failed"
)

// IsTerminal reports whether the state is terminal (finished).
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateParametersPending
	case StateParametersPending:
		return to == StateRunning
	case StateRunning:
		return to == StateFinished || to == StateFailed
	default:
		return false
	}
}

var (
	ErrJobStarted       = errors.New("job already started")
	ErrObjectReassigned = errors.New("job is bound to another safe object")
)

type parameter struct {
	values   map[int]string
	expected int
	complete bool
}

// job is guarded by mx, with the exception of id and epoch.
type job struct {
	id    string
	epoch uint64

	mx       sync.RWMutex
	objectID string
	output   string
	state    State
	params   map[string]*parameter
	deps     map[string]struct{}
	allSet   bool
}

func newJob(id string, epoch uint64) *job {
	return &job{
		id:     id,
		epoch:  epoch,
		state:  StateCreated,
		params: make(map[string]*parameter),
		deps:   make(map[string]struct{}),
	}
}

func (j *job) transition(to State) error {
	if !isAllowedTransition(j.state, to) {
		return fmt.Errorf("disallowed transition for job %s: %s -> %s", j.id, j.state, to)
	}
	j.state = to
	return nil
}

// assign binds the job to its safe object and output name. The object can be
// assigned only once.
func (j *job) assign(objectID, output string) error {
	if j.objectID != "" && j.objectID != objectID {
		return fmt.Errorf("job %s has safe object %s, got %s: %w", j.id, j.objectID, objectID, ErrObjectReassigned)
	}
	j.objectID = objectID
	j.output = output
	return nil
}

// setParameter stores valueID at position index of parameter paramID. The
// parameter becomes complete once it holds expected values, regardless of
// the order they arrived in.
func (j *job) setParameter(paramID string, index, expected int, valueID string) error {
	if j.state == StateRunning || j.state.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", j.id, j.state, ErrJobStarted)
	}
	if index < 0 || index >= expected {
		return fmt.Errorf("position %d out of range [0,%d)", index, expected)
	}

	p, ok := j.params[paramID]
	if !ok {
		p = &parameter{values: make(map[int]string), expected: expected}
		j.params[paramID] = p
	}
	if p.expected != expected {
		return fmt.Errorf("parameter %s expects %d values, got %d", paramID, p.expected, expected)
	}
	p.values[index] = valueID
	p.complete = len(p.values) == p.expected
	return nil
}

// value returns the value id at position index of parameter paramID.
func (j *job) value(paramID string, index int) (string, bool) {
	p, ok := j.params[paramID]
	if !ok {
		return "", false
	}
	id, ok := p.values[index]
	return id, ok
}

// references reports whether any position of any parameter holds valueID.
func (j *job) references(valueID string) bool {
	for _, p := range j.params {
		for _, id := range p.values {
			if id == valueID {
				return true
			}
		}
	}
	return false
}

// allParametersSet compares the parameter table with the parameters declared
// by a complete safe object. Once true the result is memoized.
func (j *job) allParametersSet(expected []string) bool {
	if j.allSet {
		return true
	}
	if len(j.params) != len(expected) {
		return false
	}
	for _, id := range expected {
		p, ok := j.params[id]
		if !ok || !p.complete {
			return false
		}
	}
	j.allSet = true
	return true
}

// inputs lists value paths per expected parameter, ordered by position.
func (j *job) inputs(expected []string, path func(valueID string) string) [][]string {
	ret := make([][]string, 0, len(expected))
	for _, id := range expected {
		p := j.params[id]
		values := make([]string, 0, p.expected)
		for i := range p.expected {
			values = append(values, path(p.values[i]))
		}
		ret = append(ret, values)
	}
	return ret
}
