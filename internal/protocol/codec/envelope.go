package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is one request or response exchanged over a transport.
//
// A request carries Method and Params. A response carries Result and/or Error.
// Blobs holds binary attachments referenced by placeholder slots in Params or
// Result; it never appears in the text encoding.
type Envelope struct {
	ID     int64
	Method string
	Params []json.RawMessage
	Result []json.RawMessage
	Error  json.RawMessage
	Blobs  [][]byte
}

type requestWire struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type responseWire struct {
	ID     int64             `json:"id"`
	Error  json.RawMessage   `json:"error"`
	Result []json.RawMessage `json:"result"`
}

type decodeWire struct {
	ID     *int64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result []json.RawMessage `json:"result"`
	Error  json.RawMessage   `json:"error"`
}

// IsRequest reports whether e has the request shape.
func (e Envelope) IsRequest() bool {
	return e.Method != ""
}

// Validate enforces that e has exactly one of the request and response shapes.
func (e Envelope) Validate() error {
	if e.Method != "" {
		if e.Result != nil || DecodeError(e.Error) != nil {
			return fmt.Errorf("%w: id=%d carries both method and response fields", ErrInvalidEnvelope, e.ID)
		}
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.IsRequest() {
		params := e.Params
		if params == nil {
			params = []json.RawMessage{}
		}
		return json.Marshal(requestWire{ID: e.ID, Method: e.Method, Params: params})
	}
	result := e.Result
	if result == nil {
		result = []json.RawMessage{}
	}
	return json.Marshal(responseWire{ID: e.ID, Error: e.Error, Result: result})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w decodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == nil {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	errField := bytes.TrimSpace(w.Error)
	if string(errField) == "null" {
		errField = nil
	}
	*e = Envelope{
		ID:     *w.ID,
		Method: w.Method,
		Params: w.Params,
		Result: w.Result,
		Error:  errField,
	}
	return e.Validate()
}

// NewRequest builds a request envelope, marshaling each positional argument.
func NewRequest(id int64, method string, args ...any) (Envelope, error) {
	if method == "" {
		return Envelope{}, fmt.Errorf("%w: request missing method", ErrInvalidEnvelope)
	}
	params, blobs, err := marshalArgs(args)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Method: method, Params: params, Blobs: blobs}, nil
}

// NewResponse builds a response envelope for err and the positional results.
func NewResponse(id int64, err error, results ...any) (Envelope, error) {
	result, blobs, mErr := marshalArgs(results)
	if mErr != nil {
		return Envelope{}, mErr
	}
	return Envelope{ID: id, Error: ErrorValue(err), Result: result, Blobs: blobs}, nil
}

// Marshal encodes e as one text frame payload (no trailing line-break).
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes one text frame payload. Any decode failure is reported
// as ErrMalformedFrame.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v (frame=%q)", ErrMalformedFrame, err, snippet(data))
	}
	return e, nil
}
