// Package wire implements the length-prefixed framing and opcode codec
// shared by every TCP link in distcache: client-to-host, host-to-manager,
// and the host's listener side of both.
//
// Framing is deliberately dumb: a 4-byte big-endian length prefix followed by
// an opaque payload. No compression, no checksums, and no layer above adds
// them either.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxMessageSize is the fallback ceiling when a caller does not
// enforce its own maximumMessageSize (see pkg/config). 100 MB matches the
// configuration surface's documented minimum in spec §6.
const DefaultMaxMessageSize = 100 << 20

// ErrOversize is returned by ReadFrame when a peer's declared length exceeds
// maxSize. Callers should close the connection on this error.
type ErrOversize struct {
	Declared uint32
	Max      uint32
}

func (e *ErrOversize) Error() string {
	return fmt.Sprintf("wire: frame size %d exceeds maximum %d", e.Declared, e.Max)
}

// ReadFrame reads one length-prefixed frame from r, rejecting anything
// larger than maxSize. A maxSize of 0 falls back to DefaultMaxMessageSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, &ErrOversize{Declared: n, Max: maxSize}
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WriteFrame writes payload prefixed with its big-endian uint32 length. The
// caller is responsible for keeping payload within the negotiated
// maximumMessageSize; WriteFrame itself only guards against the wire format's
// own ceiling (4 GiB).
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return &ErrOversize{Declared: 0xFFFFFFFF, Max: 0xFFFFFFFF}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
