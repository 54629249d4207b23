package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength bounds the body size accepted from the wire (64MB).
const MaxFrameLength = 64 * 1024 * 1024

// frameHeaderSize is the size of the u32 length prefix.
const frameHeaderSize = 4

// WriteFrame writes a length-prefixed body as a single write.
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed body. Any error here leaves the stream
// at an unknown position, so callers must treat it as fatal.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameLength {
		return nil, fmt.Errorf("read length: %d bytes: %w", length, ErrFrameTooLarge)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
