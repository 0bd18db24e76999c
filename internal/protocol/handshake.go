package protocol

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// Magic is the fixed 18-byte handshake header every peer sends.
const Magic = "P2PFILESHARINGPROJ"

const (
	magicLen    = 18
	reservedLen = 10
	peerIDLen   = 4
	// HandshakeLen is the exact wire size of a handshake frame.
	HandshakeLen = magicLen + reservedLen + peerIDLen
)

var (
	ErrBadHandshakeHeader = errors.New("protocol: bad handshake header")
	ErrHandshakeTimeout   = errors.New("protocol: handshake timeout")
	ErrPeerIDMismatch     = errors.New("protocol: peer id mismatch")
)

// Handshake is the fixed 32-byte frame exchanged before any regular message:
// an 18-byte magic header, 10 reserved zero bytes, then a 4-byte big-endian
// peer id. The reserved bytes are never validated on decode.
type Handshake struct {
	PeerID uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

func NewHandshake(peerID uint32) *Handshake {
	return &Handshake{PeerID: peerID}
}

// MarshalBinary encodes h as the fixed 32-byte wire frame.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeLen)
	copy(buf[0:magicLen], Magic)
	binary.BigEndian.PutUint32(buf[magicLen+reservedLen:], h.PeerID)

	return buf, nil
}

// UnmarshalBinary decodes a 32-byte wire frame into h. Fails with
// ErrBadHandshakeHeader if the leading 18 bytes are not the magic string.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != HandshakeLen {
		return ErrBadHandshakeHeader
	}
	if !bytes.Equal(b[0:magicLen], []byte(Magic)) {
		return ErrBadHandshakeHeader
	}

	h.PeerID = binary.BigEndian.Uint32(b[magicLen+reservedLen:])
	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(buf)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HandshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), err
	}

	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// deadliner is satisfied by net.Conn; kept narrow so Exchange works against
// any reader/writer that also supports deadlines.
type deadliner interface {
	SetDeadline(time.Time) error
}

// Exchange performs the handshake sub-protocol of spec §4.3: write the local
// handshake, then read the remote one within timeout. If wantPeerID is
// non-zero (dialer-initiated connections), the remote peer id must equal it
// or ErrPeerIDMismatch is returned.
func Exchange(rw io.ReadWriter, localPeerID, wantPeerID uint32, timeout time.Duration) (remote Handshake, err error) {
	if dl, ok := rw.(deadliner); ok && timeout > 0 {
		if err := dl.SetDeadline(time.Now().Add(timeout)); err != nil {
			return Handshake{}, err
		}
		defer dl.SetDeadline(time.Time{})
	}

	local := NewHandshake(localPeerID)
	if _, err := local.WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	if _, err := remote.ReadFrom(rw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Handshake{}, ErrHandshakeTimeout
		}
		return Handshake{}, err
	}

	if wantPeerID != 0 && remote.PeerID != wantPeerID {
		return Handshake{}, ErrPeerIDMismatch
	}

	return remote, nil
}
