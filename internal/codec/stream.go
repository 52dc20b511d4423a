package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxFrameSize bounds a single archived frame.
const maxFrameSize = 1 << 20

// AppendDelimited appends frame to dst prefixed with its varint length, the
// layout used by tick archives.
func AppendDelimited(dst, frame []byte) []byte {
	return protowire.AppendBytes(dst, frame)
}

// FrameReader reads length-delimited frames from an archive stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next raw frame, or io.EOF at a clean end of stream.
func (fr *FrameReader) Next() ([]byte, error) {
	size, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: read frame length: %w", err)
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("codec: frame length %d exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("codec: read frame body: %w", err)
	}
	return buf, nil
}
