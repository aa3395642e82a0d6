package data

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	Protocol      = "BitTorrent protocol"
	HandshakeSize = 49 + len(Protocol)

	// MaxFrameLength caps what we accept from a peer. Blocks are 16KiB in
	// practice; bitfields for huge torrents are the other big message.
	MaxFrameLength = 1 << 20
)

var (
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrFrameTooLarge     = errors.New("message frame too large")
	ErrBadPayload        = errors.New("malformed message payload")
)

type Handshake struct {
	PstrLen  byte
	Pstr     []byte
	Reserved [8]byte
	InfoHash [20]byte
	PeerId   [20]byte
}

func GetHandshake(peerId [20]byte, infoHash [20]byte) Handshake {
	pstr := []byte(Protocol)
	return Handshake{
		PstrLen:  byte(len(pstr)),
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerId:   peerId,
	}
}

func (h *Handshake) ToBytes() []byte {
	buffer := new(bytes.Buffer)
	buffer.Grow(HandshakeSize)
	buffer.WriteByte(h.PstrLen)
	buffer.Write(h.Pstr)
	buffer.Write(h.Reserved[:])
	buffer.Write(h.InfoHash[:])
	buffer.Write(h.PeerId[:])
	return buffer.Bytes()
}

// ParseHandshake validates a peer's handshake against the info hash we
// expect it to be serving.
func ParseHandshake(buf []byte, expected [20]byte) (*Handshake, error) {
	if len(buf) != HandshakeSize {
		return nil, errors.Wrapf(ErrHandshakeMismatch, "expected %d bytes, got %d", HandshakeSize, len(buf))
	}
	pstrLen := buf[0]
	if int(pstrLen) != len(Protocol) || string(buf[1:1+pstrLen]) != Protocol {
		return nil, errors.Wrapf(ErrHandshakeMismatch, "unknown protocol %q", buf[1:1+len(Protocol)])
	}
	rest := buf[1+pstrLen:]
	h := &Handshake{
		PstrLen:  pstrLen,
		Pstr:     []byte(Protocol),
		Reserved: [8]byte(rest[0:8]),
		InfoHash: [20]byte(rest[8:28]),
		PeerId:   [20]byte(rest[28:48]),
	}
	if h.InfoHash != expected {
		return nil, errors.Wrapf(ErrHandshakeMismatch, "info_hash %x, expected %x", h.InfoHash, expected)
	}
	return h, nil
}

type MessageID byte

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", byte(id))
}

func (id MessageID) Known() bool {
	return id <= MsgCancel
}

// Message is one length-prefixed frame. A nil *Message is a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

func (m *Message) ToBytes() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func (m *Message) String() string {
	if m == nil {
		return "keep-alive"
	}
	return fmt.Sprintf("%s [%d]", m.ID, len(m.Payload))
}

func KeepAlive() *Message {
	return nil
}

func Choke() *Message         { return &Message{ID: MsgChoke} }
func Unchoke() *Message       { return &Message{ID: MsgUnchoke} }
func Interested() *Message    { return &Message{ID: MsgInterested} }
func NotInterested() *Message { return &Message{ID: MsgNotInterested} }

func Have(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: MsgHave, Payload: payload}
}

func BitFieldMsg(b BitField) *Message {
	return &Message{ID: MsgBitfield, Payload: b.Field}
}

func Request(index, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Payload: blockPayload(index, begin, length)}
}

func Cancel(index, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Payload: blockPayload(index, begin, length)}
}

func Piece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

func blockPayload(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseMessage decodes a frame without its length prefix. An empty frame
// is a keep-alive. Unknown ids are returned as-is so callers can skip them.
func ParseMessage(frame []byte) *Message {
	if len(frame) == 0 {
		return nil
	}
	msg := &Message{ID: MessageID(frame[0])}
	// some messages don't have a payload
	if len(frame) > 1 {
		msg.Payload = frame[1:]
	}
	return msg
}

// ReadMessage reads one frame from r. It returns (nil, nil) for keep-alives.
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return ParseMessage(frame), nil
}

type BlockRequest struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// ParseRequest decodes the payload of a request or cancel.
func ParseRequest(m *Message) (BlockRequest, error) {
	if m == nil || (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return BlockRequest{}, errors.Wrapf(ErrBadPayload, "request: %s", m)
	}
	return BlockRequest{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

type Block struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func ParsePiece(m *Message) (Block, error) {
	if m == nil || m.ID != MsgPiece || len(m.Payload) < 8 {
		return Block{}, errors.Wrapf(ErrBadPayload, "piece: %s", m)
	}
	return Block{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Data:  m.Payload[8:],
	}, nil
}

func ParseHave(m *Message) (uint32, error) {
	if m == nil || m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, errors.Wrapf(ErrBadPayload, "have: %s", m)
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}
