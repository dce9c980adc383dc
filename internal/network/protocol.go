package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxMessageSize is the maximum allowed message size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

var errTooLarge = errors.New("message exceeds size limit")

// Request frames start with a kind byte.
const (
	kindPlain  byte = 1 // kindPlain is handled by the OnRequest handler
	kindHello  byte = 2 // kindHello opens a secure channel
	kindSealed byte = 3 // kindSealed is a request inside a secure channel
)

// frame prefixes body with its kind.
func frame(kind byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = kind
	copy(out[1:], body)

	return out
}

// splitFrame returns the kind and body of a request frame.
func splitFrame(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty request frame")
	}

	return data[0], data[1:], nil
}

// writeMessage writes data behind its 4 byte big-endian length in a
// single write.
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("%w: %d bytes", errTooLarge, len(data))
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message:\n%w", err)
	}

	return nil
}

// readMessage reads one length-prefixed message.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
