package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/secureailabs/jobengine/internal/model"
)

// Conn is the engine side of an orchestrator connection. Send is safe for
// concurrent use; reading is done by a single Pump.
type Conn struct {
	dec *cbor.Decoder

	mx  sync.Mutex
	enc *cbor.Encoder
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		dec: cbor.NewDecoder(rw),
		enc: cbor.NewEncoder(rw),
	}
}

// Send writes the signal. It implements engine.Sender.
func (c *Conn) Send(ctx context.Context, sig model.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := cbor.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", sig.Type(), err)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enc.Encode(envelope{Type: uint8(sig.Type()), Payload: payload})
}

// Recv reads the next request. Payloads that do not decode are reported with
// model.ErrMalformed, unknown kinds with model.ErrUnknownRequest; the stream
// stays usable after both.
func (c *Conn) Recv() (model.Request, error) {
	var env envelope
	if err := decodeEnvelope(c.dec, &env); err != nil {
		return nil, err
	}
	return env.request()
}

// decodeEnvelope reads one data item. A well-formed item of the wrong shape
// has been consumed already, so it is reported as model.ErrMalformed and the
// next call reads the item after it. Syntax and I/O errors are returned as is.
func decodeEnvelope(dec *cbor.Decoder, env *envelope) error {
	err := dec.Decode(env)
	var typeErr *cbor.UnmarshalTypeError
	var dupErr *cbor.DupMapKeyError
	if errors.As(err, &typeErr) || errors.As(err, &dupErr) {
		return fmt.Errorf("decoding envelope: %w: %w", model.ErrMalformed, err)
	}
	return err
}

// Pump reads requests and sends them to out until the peer closes the
// connection or ctx is done. Unknown and malformed requests are skipped. It
// returns nil when the peer closed the connection.
func (c *Conn) Pump(ctx context.Context, out chan<- model.Request) error {
	for {
		req, err := c.Recv()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, model.ErrUnknownRequest), errors.Is(err, model.ErrMalformed):
			slog.WarnContext(ctx, "skipping request", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("reading request: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case out <- req:
		}
	}
}

// Client is the orchestrator side of a connection.
type Client struct {
	dec *cbor.Decoder

	mx  sync.Mutex
	enc *cbor.Encoder
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{
		dec: cbor.NewDecoder(rw),
		enc: cbor.NewEncoder(rw),
	}
}

func (c *Client) Send(req model.Request) error {
	payload, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.Type(), err)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enc.Encode(envelope{Type: uint8(req.Type()), Payload: payload})
}

func (c *Client) Recv() (model.Signal, error) {
	var env envelope
	if err := decodeEnvelope(c.dec, &env); err != nil {
		return nil, err
	}
	return env.signal()
}
