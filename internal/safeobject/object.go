// Package safeobject implements Safe Objects: packaged scripts with a declared
// list of input parameters, run as jobs by the engine.
//
// A Record is created incomplete on its first reference and becomes complete
// once Setup decodes a schema payload. Jobs that reference an incomplete
// Record are queued on it and drained by the engine after Setup.
//
// Run hands the schema to an Executor. ProcessExecutor starts the schema's
// interpreter through Runner, feeds the script on stdin and passes the input
// value files as arguments:
//
//	Record{id}          ProcessExecutor           Runner{cmd}
//	    |                     |                       |
//	Run() -------------> Execute() -------------> Start()
//	    |                     |                       | os/exec.Start + Wait() in goroutine
//	    |                     |<----- Result ---------| (process exits)
//	    |<-- exit code -------|                       |
package safeobject

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var ErrIncomplete = errors.New("safe object is not complete")

// Schema is the payload of a PushSafeObject request.
type Schema struct {
	Title string `cbor:"1,keyasint"`
	// Command is the interpreter argv, e.g. ["sh", "-s", "--"] or
	// ["python3", "-"]. It must read the script from stdin.
	Command    []string `cbor:"2,keyasint"`
	Script     []byte   `cbor:"3,keyasint"`
	Parameters []string `cbor:"4,keyasint"`
}

func (s Schema) Validate() error {
	var errs []error
	if len(s.Command) == 0 || s.Command[0] == "" {
		errs = append(errs, errors.New("command is empty"))
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for _, p := range s.Parameters {
		if p == "" {
			errs = append(errs, errors.New("empty parameter id"))
			continue
		}
		if _, ok := seen[p]; ok {
			errs = append(errs, fmt.Errorf("duplicate parameter id %s", p))
		}
		seen[p] = struct{}{}
	}
	return errors.Join(errs...)
}

// EncodeSchema is the inverse of the decoding done by Setup.
func EncodeSchema(s Schema) ([]byte, error) {
	return cbor.Marshal(s)
}

// RunRequest describes a single job execution.
type RunRequest struct {
	JobID string
	RunID string
	// OutputPath is where the job is expected to write its result.
	OutputPath string
	// StopPath appears when the engine asks running jobs to stop.
	StopPath string
	// Inputs holds, for every expected parameter in schema order, the value
	// file paths ordered by position.
	Inputs [][]string
}

type Executor interface {
	Execute(ctx context.Context, schema Schema, req RunRequest) (int, error)
}

// Record is safe for concurrent use.
type Record struct {
	id   string
	exec Executor

	mx     sync.Mutex
	schema *Schema
	queue  []string
}

func NewRecord(id string, exec Executor) *Record {
	return &Record{id: id, exec: exec}
}

func (r *Record) ID() string {
	return r.id
}

// Setup decodes and installs the schema. A later Setup overwrites the
// previous schema.
func (r *Record) Setup(payload []byte) error {
	var schema Schema
	if err := cbor.Unmarshal(payload, &schema); err != nil {
		return fmt.Errorf("decoding safe object %s: %w", r.id, err)
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("safe object %s: %w", r.id, err)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.schema = &schema
	return nil
}

func (r *Record) Complete() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.schema != nil
}

// ExpectedParameters returns nil for an incomplete record.
func (r *Record) ExpectedParameters() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.schema == nil {
		return nil
	}
	return slices.Clone(r.schema.Parameters)
}

func (r *Record) EnqueueJob(jobID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if slices.Contains(r.queue, jobID) {
		return
	}
	r.queue = append(r.queue, jobID)
}

// QueuedJobs drains the queue of jobs waiting for the record to complete.
func (r *Record) QueuedJobs() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	q := r.queue
	r.queue = nil
	return q
}

// Run blocks until the job process ends.
func (r *Record) Run(ctx context.Context, req RunRequest) (int, error) {
	r.mx.Lock()
	schema := r.schema
	r.mx.Unlock()
	if schema == nil {
		return -1, ErrIncomplete
	}
	if r.exec == nil {
		return -1, errors.New("no executor configured")
	}
	return r.exec.Execute(ctx, *schema, req)
}
