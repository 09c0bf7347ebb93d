package codec

import "fmt"

// FrameKind distinguishes the two frame types of the message-framed wire.
type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one message on a message-framed channel.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// EncodeFrames returns the wire frames for e: one binary frame per
// attachment in field order, followed by exactly one text frame.
func EncodeFrames(e Envelope) ([]Frame, error) {
	text, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(e.Blobs)+1)
	for _, blob := range e.Blobs {
		frames = append(frames, Frame{Kind: FrameBinary, Data: blob})
	}
	return append(frames, Frame{Kind: FrameText, Data: text}), nil
}

// FrameDecoder accumulates binary frames until the text frame that owns them.
// It is not safe for concurrent use; one decoder serves one receive loop.
type FrameDecoder struct {
	binaries [][]byte
}

// Push feeds one received frame. For a text frame it returns the decoded
// envelope with Blobs set to the accumulated attachments, which are cleared
// whether or not decoding succeeds. Binary frames are retained as given.
func (d *FrameDecoder) Push(f Frame) (Envelope, bool, error) {
	switch f.Kind {
	case FrameBinary:
		d.binaries = append(d.binaries, f.Data)
		return Envelope{}, false, nil
	case FrameText:
		blobs := d.binaries
		d.binaries = nil
		env, err := Unmarshal(f.Data)
		if err != nil {
			return Envelope{}, false, err
		}
		if err := checkBlobRefs(env.Params, len(blobs)); err != nil {
			return Envelope{}, false, err
		}
		if err := checkBlobRefs(env.Result, len(blobs)); err != nil {
			return Envelope{}, false, err
		}
		env.Blobs = blobs
		return env, true, nil
	default:
		return Envelope{}, false, fmt.Errorf("%w: unknown frame %s", ErrMalformedFrame, f.Kind)
	}
}

// Buffered returns the number of attachments awaiting their text frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.binaries)
}

// Reset drops any buffered attachments.
func (d *FrameDecoder) Reset() {
	d.binaries = nil
}
