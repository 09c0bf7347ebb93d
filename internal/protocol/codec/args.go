package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Blob is a positional value sent as a binary attachment rather than inside
// the text frame.
type Blob []byte

const blobKey = "__blob"

type blobRef struct {
	Index *int `json:"__blob"`
}

func marshalArgs(args []any) ([]json.RawMessage, [][]byte, error) {
	if len(args) == 0 {
		return nil, nil, nil
	}
	out := make([]json.RawMessage, 0, len(args))
	var blobs [][]byte
	for i, arg := range args {
		var data []byte
		switch v := arg.(type) {
		case Blob:
			data = placeholder(len(blobs))
			blobs = append(blobs, []byte(v))
		case *Blob:
			data = placeholder(len(blobs))
			blobs = append(blobs, []byte(*v))
		case json.RawMessage:
			data = v
		default:
			b, err := json.Marshal(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("rpc: marshal argument %d: %w", i, err)
			}
			data = b
		}
		out = append(out, data)
	}
	return out, blobs, nil
}

func placeholder(index int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"%s":%d}`, blobKey, index))
}

// BlobIndex reports the attachment index when raw is a binary placeholder.
func BlobIndex(raw json.RawMessage) (int, bool) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte(`{"`+blobKey+`"`)) {
		return 0, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || len(fields) != 1 {
		return 0, false
	}
	var ref blobRef
	if err := json.Unmarshal(trimmed, &ref); err != nil || ref.Index == nil || *ref.Index < 0 {
		return 0, false
	}
	return *ref.Index, true
}

// DecodeArg decodes the i-th positional slot into v. Placeholder slots
// resolve against blobs and require a *Blob or *[]byte target.
func DecodeArg(slots []json.RawMessage, blobs [][]byte, i int, v any) error {
	if i < 0 || i >= len(slots) {
		return fmt.Errorf("%w: index=%d len=%d", ErrArgIndex, i, len(slots))
	}
	raw := slots[i]
	if idx, ok := BlobIndex(raw); ok {
		if idx >= len(blobs) {
			return fmt.Errorf("%w: blob index=%d attachments=%d", ErrMalformedFrame, idx, len(blobs))
		}
		switch t := v.(type) {
		case *Blob:
			*t = Blob(blobs[idx])
		case *[]byte:
			*t = blobs[idx]
		default:
			return fmt.Errorf("%w: argument %d is binary, target %T", ErrInvalidEnvelope, i, v)
		}
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("rpc: decode argument %d: %w", i, err)
	}
	return nil
}

func checkBlobRefs(slots []json.RawMessage, n int) error {
	for i, raw := range slots {
		if idx, ok := BlobIndex(raw); ok && idx >= n {
			return fmt.Errorf("%w: slot %d references blob %d of %d", ErrMalformedFrame, i, idx, n)
		}
	}
	return nil
}
