package executor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Worker wire format: every frame is a 4-byte big-endian length followed by a
// msgpack payload. The parent sends one request carrying the operation spec,
// the worker answers with a response, then each job request gets one result.

const maxFrameSize = 64 << 20

type request struct {
	Spec *OperationSpec `json:"spec,omitempty"`
	Job  *Job           `json:"job,omitempty"`
}

type response struct {
	Ready  bool    `json:"ready,omitempty"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(buf.Len()))
	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame returns io.EOF untouched when the stream ends between frames
func readFrame(r io.Reader, v interface{}) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	msgLength := binary.BigEndian.Uint32(lengthBuf)
	if msgLength > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", msgLength)
	}

	data := make([]byte, msgLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
