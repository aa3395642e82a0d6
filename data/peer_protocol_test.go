package data

import (
	"bytes"
	"encoding/hex"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestKeepAlive(t *testing.T) {
	keepalive := KeepAlive()
	if !bytes.Equal(keepalive.ToBytes(), []byte{0, 0, 0, 0}) {
		t.Errorf("was expecting [0,0,0,0], got %v", keepalive.ToBytes())
	}
}

func TestChoke(t *testing.T) {
	choke := Choke()
	if !bytes.Equal(choke.ToBytes(), []byte{0, 0, 0, 1, 0}) {
		t.Errorf("was expecting [0,0,0,1,0], got %v", choke.ToBytes())
	}
}

func TestBitField(t *testing.T) {
	b := BitField{
		// 3 bytes to hold 24 bits
		// 0b 1110 1111, 0111 1111, 0000 0100
		Field: []byte{0xef, 0x7f, 0x04},
	}
	blocksPresent := []uint32{0, 1, 2, 4, 5, 6, 7, 9, 10, 11, 12, 13, 14, 15, 21}
	for _, idx := range blocksPresent {
		if !b.HasPiece(idx) {
			t.Errorf("We should have block %d", idx)
		}

	}
	blocksMissing := []uint32{3, 8, 16, 17, 18, 19, 20, 24, 1000}
	for _, idx := range blocksMissing {
		if b.HasPiece(idx) {
			t.Errorf("We should *not* have block %d", idx)
		}

	}

	// now for updates
	for _, idx := range blocksMissing[:7] {
		b.SetPiece(idx)
		if !b.HasPiece(idx) {
			t.Errorf("Tried to set block %d but it is still reported as missing", idx)
		}
	}
	// out of range, silently ignored
	b.SetPiece(1000)
}

func TestRequest(t *testing.T) {
	msg := Request(1, 2, 3)
	expected := []byte{
		0, 0, 0, 13,
		6,
		0, 0, 0, 1,
		0, 0, 0, 2,
		0, 0, 0, 3,
	}
	if !bytes.Equal(msg.ToBytes(), expected) {
		t.Errorf("exepected %v but got %v", expected, msg.ToBytes())
	}
	req, err := ParseRequest(msg)
	if err != nil {
		t.Fatal(err)
	}
	if req != (BlockRequest{Index: 1, Begin: 2, Length: 3}) {
		t.Errorf("unexpected request %+v", req)
	}
	if _, err := ParseRequest(Choke()); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	var peerId, infoHash [20]byte
	copy(peerId[:], []byte("12345678901234567890"))
	raw, _ := hex.DecodeString("9e638562ab1c1fced9def142864cdd5a7019e1aa")
	copy(infoHash[:], raw)

	handshake := GetHandshake(peerId, infoHash)
	expectedHexBytes := "13426974546f7272656e742070726f746f636f6c00000000000000009e638562ab1c1fced9def142864cdd5a7019e1aa3132333435363738393031323334353637383930"
	if hexBytes := hex.EncodeToString(handshake.ToBytes()); hexBytes != expectedHexBytes {
		t.Errorf("%v", hexBytes)
	}

	parsed, err := ParseHandshake(handshake.ToBytes(), infoHash)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.PeerId != peerId {
		t.Errorf("expected peer id %x, got %x", peerId, parsed.PeerId)
	}

	// somebody else's torrent
	var other [20]byte
	if _, err := ParseHandshake(handshake.ToBytes(), other); !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch, got %v", err)
	}
	// short read
	if _, err := ParseHandshake(handshake.ToBytes()[:67], infoHash); !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch, got %v", err)
	}
	// wrong protocol label
	bad := handshake.ToBytes()
	bad[1] = 'b'
	if _, err := ParseHandshake(bad, infoHash); !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch, got %v", err)
	}
}

func TestReadMessage(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(KeepAlive().ToBytes())
	stream.Write(Unchoke().ToBytes())
	stream.Write(Piece(7, 16384, []byte("hello")).ToBytes())
	// an extension message we don't speak
	stream.Write([]byte{0, 0, 0, 3, 20, 0xaa, 0xbb})
	stream.Write(Have(9).ToBytes())

	msg, err := ReadMessage(&stream)
	if err != nil || msg != nil {
		t.Fatalf("expected keep-alive, got %v (%v)", msg, err)
	}

	msg, err = ReadMessage(&stream)
	if err != nil || msg.ID != MsgUnchoke || len(msg.Payload) != 0 {
		t.Fatalf("expected unchoke, got %v (%v)", msg, err)
	}

	msg, err = ReadMessage(&stream)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ParsePiece(msg)
	if err != nil {
		t.Fatal(err)
	}
	if block.Index != 7 || block.Begin != 16384 || string(block.Data) != "hello" {
		t.Errorf("unexpected block %+v", block)
	}

	msg, err = ReadMessage(&stream)
	if err != nil {
		t.Fatalf("unknown ids must not fail, got %v", err)
	}
	if msg.ID.Known() || !bytes.Equal(msg.Payload, []byte{0xaa, 0xbb}) {
		t.Errorf("expected unknown message 20, got %v", msg)
	}

	msg, err = ReadMessage(&stream)
	if err != nil {
		t.Fatal(err)
	}
	if idx, err := ParseHave(msg); err != nil || idx != 9 {
		t.Errorf("expected have 9, got %d (%v)", idx, err)
	}

	if _, err = ReadMessage(&stream); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReadMessageErrors(t *testing.T) {
	// truncated payload
	r := bytes.NewReader([]byte{0, 0, 0, 5, 1, 2})
	if _, err := ReadMessage(r); err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}

	r = bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadMessage(r); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}

	if _, err := ParsePiece(&Message{ID: MsgPiece, Payload: []byte{0, 0}}); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload, got %v", err)
	}
}
