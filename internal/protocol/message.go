package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
)

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(mid))
	}
}

// Message is a single length-prefixed, typed regular frame.
//
// Wire format: <length:4><type:1><payload:length-1>, length >= 1.
// There is no keep-alive frame in this protocol; liveness is carried at the
// transport level by session read/write timeouts.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage       = errors.New("protocol: short message")
	ErrBadLengthPrefix    = errors.New("protocol: invalid length prefix")
	ErrMalformedPayload   = errors.New("protocol: malformed payload")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: Bitfield, Payload: cp}
}

func MessageRequest(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index uint32, data []byte) *Message {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	copy(payload[4:], data)

	return &Message{ID: Piece, Payload: payload}
}

// ParseHave returns the piece index for a Have message. ok is false if the
// payload length is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest returns the piece index for a Request message. ok is false if
// the payload length is not exactly 4 bytes.
func (m *Message) ParseRequest() (index uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece splits a Piece payload into its index and data. ok is false if
// there are fewer than 4 bytes of header.
func (m *Message) ParsePiece() (index uint32, data []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]), m.Payload[4:], true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, ErrBadLengthPrefix
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. b must contain
// exactly one complete frame (length prefix included).
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 5 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length < 1 {
		return ErrBadLengthPrefix
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)

	return nil
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads one full frame from r.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length < 1 {
		return 4, ErrBadLengthPrefix
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}

	m.ID = MessageID(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)

	return int64(4 + len(buf)), nil
}

// ReadMessage reads and returns one full frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// Validate checks m's payload against the type-specific constraints of
// spec §4.1. Have and request indices are checked against numPieces;
// pieceSize must report the exact expected byte length of a piece index and
// is used only to validate piece payloads.
func (m *Message) Validate(numPieces int, bitmapLen int, pieceSize func(index uint32) (int, bool)) error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrMalformedPayload
		}
	case Have:
		idx, ok := m.ParseHave()
		if !ok || int(idx) >= numPieces {
			return ErrMalformedPayload
		}
	case Request:
		idx, ok := m.ParseRequest()
		if !ok || int(idx) >= numPieces {
			return ErrMalformedPayload
		}
	case Bitfield:
		if len(m.Payload) != bitmapLen {
			return ErrMalformedPayload
		}
	case Piece:
		idx, data, ok := m.ParsePiece()
		if !ok {
			return ErrMalformedPayload
		}
		want, known := pieceSize(idx)
		if !known || len(data) != want {
			return ErrMalformedPayload
		}
	default:
		return ErrUnknownMessageType
	}

	return nil
}
