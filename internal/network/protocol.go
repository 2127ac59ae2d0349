package network

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	// maxFrameSize bounds one frame (16 MB); replica snapshots are the largest.
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the frame length prefix.
	lengthPrefixSize = 4
)

// ErrFrameTooLarge is returned for frames over maxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// writeFrame writes [4-byte big-endian length][payload].
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d > %d", len(data), maxFrameSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "write length")
	}

	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write payload")
	}

	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "read length")
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d", n, maxFrameSize)
	}

	data := make([]byte, n)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}

	return data, nil
}
