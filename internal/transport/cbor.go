package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame kinds on the gateway wire.
const (
	FrameParticipants = "participants"
	FrameCall         = "call"
	FrameRequest      = "request"
	FrameResponse     = "response"
)

// Wire parsing errors.
var (
	ErrInvalidFrame     = errors.New("invalid gateway frame")
	ErrUnknownFrame     = errors.New("unknown gateway frame kind")
	ErrMissingCallID    = errors.New("missing call id in frame")
	ErrMissingRequestID = errors.New("missing request id in frame")
)

// Frame is the top-level CBOR envelope exchanged with the gateway.
// Pushed updates use FrameParticipants and FrameCall; the RPC path uses
// FrameRequest and FrameResponse correlated by ID.
type Frame struct {
	Kind string `cbor:"kind"`

	// Push payloads.
	Call         *CallState          `cbor:"call,omitempty"`
	CallID       int64               `cbor:"call_id,omitempty"`
	AccessToken  int64               `cbor:"access_token,omitempty"`
	Version      int32               `cbor:"version,omitempty"`
	Participants []ParticipantChange `cbor:"participants,omitempty"`

	// RPC payloads.
	ID      string          `cbor:"id,omitempty"`
	Method  string          `cbor:"method,omitempty"`
	Body    cbor.RawMessage `cbor:"body,omitempty"`
	Failure *Error          `cbor:"failure,omitempty"`
}

// DecodeFrame decodes a CBOR-encoded gateway frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrInvalidFrame
	}
	var f Frame
	dec := cbor.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Kind {
	case FrameParticipants:
		if f.CallID == 0 {
			return nil, ErrMissingCallID
		}
	case FrameCall:
		if f.Call == nil {
			return nil, ErrInvalidFrame
		}
	case FrameRequest, FrameResponse:
		if f.ID == "" {
			return nil, ErrMissingRequestID
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Kind)
	}
	return &f, nil
}

// EncodeFrame encodes a gateway frame to CBOR.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// EncodeBody CBOR-encodes an RPC request or response body.
func EncodeBody(v any) (cbor.RawMessage, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}

// DecodeBody decodes an RPC body into v.
func DecodeBody(body cbor.RawMessage, v any) error {
	if len(body) == 0 {
		return ErrInvalidFrame
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
