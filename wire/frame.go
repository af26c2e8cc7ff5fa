package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame's length prefix, guarding a reader
// against a corrupt or hostile length field requesting an unreasonable
// allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes data as one length-prefixed frame: a 32-bit
// big-endian length followed by data itself.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", len(data), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: error writing frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: error writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: error reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds maximum %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: error reading frame body: %w", err)
	}
	return data, nil
}

// WriteCommand frames and writes a Command.
func WriteCommand(w io.Writer, c Command) error {
	data, err := MarshalCommand(c)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadCommand reads and decodes one framed Command.
func ReadCommand(r io.Reader) (Command, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Command{}, err
	}
	return UnmarshalCommand(data)
}

// WriteResponse frames and writes a Response.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := MarshalResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadResponse reads and decodes one framed Response.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(data)
}
