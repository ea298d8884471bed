package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame. Queries carry whole FASTA files, so the
// limit is generous.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame marshals v as JSON and writes it as a length-prefixed frame.
// Wire format: 4-byte big-endian length || JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) //nolint:gosec // bounded by MaxFrameSize
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed frame and returns the raw JSON bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// ReadRequest reads a single framed Request. Any failure after the peer
// started sending is reported as a *DecodeError.
func ReadRequest(r io.Reader) (*Request, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("unmarshal request: %w", err)}
	}
	if req.Type == "" {
		return nil, &DecodeError{Err: errors.New("no request type")}
	}
	return &req, nil
}

// ReadResponse reads a single framed Response.
func ReadResponse(r io.Reader) (*Response, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
