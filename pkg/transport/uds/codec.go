package uds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Verb names one of the three UDS request shapes.
type Verb byte

const (
	VerbAppend    Verb = 1
	VerbRead      Verb = 2
	VerbSubscribe Verb = 3
)

// Status tags a response as success or failure.
type Status byte

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

const maxFrameBytes = 64 << 20 // 64 MiB, generous ceiling against a hostile length prefix

// writeFrame writes a u32 BE length prefix followed by body.
func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("uds: write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("uds: write frame body: %w", err)
	}
	return nil
}

// readFrame reads a u32 BE length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("uds: frame of %d bytes exceeds maximum %d", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("uds: read frame body: %w", err)
	}
	return body, nil
}

// A request frame is one verb byte followed by a JSON-encoded,
// verb-specific payload.
func encodeRequest(verb Verb, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(verb)
	copy(out[1:], payload)
	return out
}

func decodeRequest(frame []byte) (Verb, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("uds: empty request frame")
	}
	return Verb(frame[0]), frame[1:], nil
}

func encodeResponse(status Status, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(status)
	copy(out[1:], payload)
	return out
}

func decodeResponse(frame []byte) (Status, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("uds: empty response frame")
	}
	return Status(frame[0]), frame[1:], nil
}
