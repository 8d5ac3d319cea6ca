package model

import "fmt"

// SignalType is the discriminator of an outbound signal envelope.
type SignalType uint8

const (
	SignalVmShutdown SignalType = iota + 1
	SignalPostValue
	SignalJobDone
	SignalJobFail
)

func (t SignalType) String() string {
	switch t {
	case SignalVmShutdown:
		return "VmShutdown"
	case SignalPostValue:
		return "PostValue"
	case SignalJobDone:
		return "JobDone"
	case SignalJobFail:
		return "JobFail"
	default:
		return fmt.Sprintf("SignalType(%d)", uint8(t))
	}
}

// Signal is one of the outbound signal kinds sent to the orchestrator.
type Signal interface {
	Type() SignalType
}

type VmShutdownSignal struct{}

// PostValue answers a PullData request.
type PostValue struct {
	ValueID string `cbor:"1,keyasint"`
	Data    []byte `cbor:"2,keyasint"`
}

type JobDone struct {
	JobID string `cbor:"1,keyasint"`
}

type JobFail struct {
	JobID string `cbor:"1,keyasint"`
}

func (VmShutdownSignal) Type() SignalType { return SignalVmShutdown }
func (PostValue) Type() SignalType        { return SignalPostValue }
func (JobDone) Type() SignalType          { return SignalJobDone }
func (JobFail) Type() SignalType          { return SignalJobFail }
