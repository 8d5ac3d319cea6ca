package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// RequestType is the discriminator of an inbound request envelope.
type RequestType uint8

const (
	RequestPushSafeObject RequestType = iota + 1
	RequestPushData
	RequestPullData
	RequestSubmitJob
	RequestSetParameters
	RequestHaltAllJobs
	RequestVmShutdown
)

func (t RequestType) String() string {
	switch t {
	case RequestPushSafeObject:
		return "PushSafeObject"
	case RequestPushData:
		return "PushData"
	case RequestPullData:
		return "PullData"
	case RequestSubmitJob:
		return "SubmitJob"
	case RequestSetParameters:
		return "SetParameters"
	case RequestHaltAllJobs:
		return "HaltAllJobs"
	case RequestVmShutdown:
		return "VmShutdown"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(t))
	}
}

// MaxParameterValues is the largest number of values one parameter may take.
const MaxParameterValues = 1 << 16

// Request is one of the inbound request kinds sent by the orchestrator.
type Request interface {
	Type() RequestType
	// Validate reports malformed or missing fields.
	Validate() error
}

type PushSafeObject struct {
	SafeObjectID string `cbor:"1,keyasint"`
	Payload      []byte `cbor:"2,keyasint"`
}

type PushData struct {
	ValueID string `cbor:"1,keyasint"`
	Data    []byte `cbor:"2,keyasint"`
}

type PullData struct {
	ValueID string `cbor:"1,keyasint"`
}

type SubmitJob struct {
	JobID        string `cbor:"1,keyasint"`
	SafeObjectID string `cbor:"2,keyasint"`
	OutputName   string `cbor:"3,keyasint"`
}

// SetParameter binds ValueID at position Index of parameter ParameterID.
// Expected is the number of values the parameter holds once complete.
type SetParameter struct {
	JobID       string `cbor:"1,keyasint"`
	ParameterID string `cbor:"2,keyasint"`
	ValueID     string `cbor:"3,keyasint"`
	Expected    int    `cbor:"4,keyasint"`
	Index       int    `cbor:"5,keyasint"`
}

type HaltAllJobs struct{}

type VmShutdown struct{}

func (PushSafeObject) Type() RequestType { return RequestPushSafeObject }
func (PushData) Type() RequestType       { return RequestPushData }
func (PullData) Type() RequestType       { return RequestPullData }
func (SubmitJob) Type() RequestType      { return RequestSubmitJob }
func (SetParameter) Type() RequestType   { return RequestSetParameters }
func (HaltAllJobs) Type() RequestType    { return RequestHaltAllJobs }
func (VmShutdown) Type() RequestType     { return RequestVmShutdown }

func (r PushSafeObject) Validate() error {
	return errors.Join(
		required("safe_object_id", r.SafeObjectID),
		nonEmpty("payload", r.Payload),
	)
}

func (r PushData) Validate() error {
	return ValidateValueID(r.ValueID)
}

func (r PullData) Validate() error {
	return ValidateValueID(r.ValueID)
}

func (r SubmitJob) Validate() error {
	return errors.Join(
		required("job_id", r.JobID),
		required("safe_object_id", r.SafeObjectID),
		ValidateValueID(r.OutputName),
	)
}

func (r SetParameter) Validate() error {
	errs := []error{
		required("job_id", r.JobID),
		required("parameter_id", r.ParameterID),
		ValidateValueID(r.ValueID),
	}
	if r.Expected <= 0 || r.Expected > MaxParameterValues {
		errs = append(errs, fmt.Errorf("expected count %d out of range [1,%d]: %w", r.Expected, MaxParameterValues, ErrMalformed))
	}
	if r.Index < 0 || (r.Expected > 0 && r.Index >= r.Expected) {
		errs = append(errs, fmt.Errorf("position %d out of range [0,%d): %w", r.Index, r.Expected, ErrMalformed))
	}
	return errors.Join(errs...)
}

func (HaltAllJobs) Validate() error { return nil }
func (VmShutdown) Validate() error  { return nil }

// ValidateValueID checks that id can be used as a file name inside the
// value store: a single, local path element.
func ValidateValueID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("value id is empty: %w", ErrMalformed)
	case id == "." || id == "..":
		return fmt.Errorf("value id %q: %w", id, ErrMalformed)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("value id %q contains a separator: %w", id, ErrMalformed)
	case !filepath.IsLocal(id):
		return fmt.Errorf("value id %q is not local: %w", id, ErrMalformed)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", field, ErrMalformed)
	}
	return nil
}

func nonEmpty(field string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%s is empty: %w", field, ErrMalformed)
	}
	return nil
}
