package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds one line-framed envelope.
const DefaultMaxLineBytes = 16 * 1024 * 1024

// EncodeLine encodes e as one line frame terminated by a single '\n'. JSON
// string escaping keeps raw line-breaks out of the payload.
func EncodeLine(e Envelope) ([]byte, error) {
	if len(e.Blobs) > 0 {
		return nil, ErrBinaryUnsupported
	}
	payload, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

// WriteLine encodes e and writes it to w in a single Write call.
func WriteLine(w io.Writer, e Envelope) error {
	line, err := EncodeLine(e)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// LineReader reassembles line frames from a byte stream. Bytes after the last
// line-break stay buffered for the next read.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, maxLineBytes int) *LineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &LineReader{r: bufio.NewReader(r), max: maxLineBytes}
}

// ReadLine returns the next frame without its line-break. A stream that ends
// mid-frame yields io.ErrUnexpectedEOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if len(line)+len(chunk) > lr.max+1 {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFrameTooLarge, lr.max)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// ReadEnvelope reads and decodes the next frame. Stream errors are returned
// unchanged; undecodable content wraps ErrMalformedFrame and the raw line is
// returned alongside for diagnostics.
func (lr *LineReader) ReadEnvelope() (Envelope, []byte, error) {
	line, err := lr.ReadLine()
	if err != nil {
		return Envelope{}, nil, err
	}
	env, err := Unmarshal(line)
	if err != nil {
		return Envelope{}, line, err
	}
	return env, line, nil
}
