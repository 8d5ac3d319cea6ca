// Package wire encodes requests and signals exchanged with the orchestrator.
//
// Every message is a CBOR envelope {1: type, 2: payload} where payload is the
// CBOR encoding of the message struct. CBOR items are self-delimiting, so a
// connection carries a plain stream of envelopes.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/secureailabs/jobengine/internal/model"
)

type envelope struct {
	Type    uint8  `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

func EncodeRequest(req model.Request) ([]byte, error) {
	return encode(uint8(req.Type()), req)
}

func EncodeSignal(sig model.Signal) ([]byte, error) {
	return encode(uint8(sig.Type()), sig)
}

func encode(typ uint8, v any) ([]byte, error) {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return cbor.Marshal(envelope{Type: typ, Payload: payload})
}

func DecodeRequest(b []byte) (model.Request, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.request()
}

func DecodeSignal(b []byte) (model.Signal, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.signal()
}

func (e envelope) request() (model.Request, error) {
	switch model.RequestType(e.Type) {
	case model.RequestPushSafeObject:
		return decodePayload[model.PushSafeObject](e.Payload)
	case model.RequestPushData:
		return decodePayload[model.PushData](e.Payload)
	case model.RequestPullData:
		return decodePayload[model.PullData](e.Payload)
	case model.RequestSubmitJob:
		return decodePayload[model.SubmitJob](e.Payload)
	case model.RequestSetParameters:
		return decodePayload[model.SetParameter](e.Payload)
	case model.RequestHaltAllJobs:
		return model.HaltAllJobs{}, nil
	case model.RequestVmShutdown:
		return model.VmShutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownRequest, e.Type)
	}
}

func (e envelope) signal() (model.Signal, error) {
	switch model.SignalType(e.Type) {
	case model.SignalVmShutdown:
		return model.VmShutdownSignal{}, nil
	case model.SignalPostValue:
		return decodePayload[model.PostValue](e.Payload)
	case model.SignalJobDone:
		return decodePayload[model.JobDone](e.Payload)
	case model.SignalJobFail:
		return decodePayload[model.JobFail](e.Payload)
	default:
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownSignal, e.Type)
	}
}

func decodePayload[T any](payload []byte) (T, error) {
	var v T
	if err := cbor.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decoding %T: %w: %w", v, model.ErrMalformed, err)
	}
	return v, nil
}
