package torrent

import (
	"axiomiety/go-leech/bencode"
	"axiomiety/go-leech/data"
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

var (
	ErrPieceCount  = errors.New("piece count does not match length")
	ErrInvalidInfo = errors.New("invalid info dictionary")
)

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

type WrongTypeError struct {
	Field    string
	Expected bencode.Kind
	Got      bencode.Kind
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Expected, e.Got)
}

// CalculateInfoHash hashes the canonical encoding of the info dictionary.
// Peers and trackers know the torrent by this digest, so it must not depend
// on the order keys appeared in the file.
func CalculateInfoHash(info bencode.Value) [20]byte {
	return sha1.Sum(bencode.Marshal(info))
}

func field(d bencode.Value, name string, kind bencode.Kind) (bencode.Value, error) {
	v, ok := d.Get(name)
	if !ok {
		return bencode.Value{}, &MissingFieldError{Field: name}
	}
	if v.Kind() != kind {
		return bencode.Value{}, &WrongTypeError{Field: name, Expected: kind, Got: v.Kind()}
	}
	return v, nil
}

// FromValue builds a descriptor out of a decoded metainfo dictionary.
func FromValue(v bencode.Value) (*data.Torrent, error) {
	if v.Kind() != bencode.Dict {
		return nil, &WrongTypeError{Field: "", Expected: bencode.Dict, Got: v.Kind()}
	}
	announce, err := field(v, "announce", bencode.String)
	if err != nil {
		return nil, err
	}
	info, err := field(v, "info", bencode.Dict)
	if err != nil {
		return nil, err
	}
	pieceLength, err := field(info, "piece length", bencode.Integer)
	if err != nil {
		return nil, err
	}
	pieces, err := field(info, "pieces", bencode.String)
	if err != nil {
		return nil, err
	}
	length, err := field(info, "length", bencode.Integer)
	if err != nil {
		return nil, err
	}

	t := &data.Torrent{InfoHash: CalculateInfoHash(info)}
	t.Announce, _ = announce.Str()
	t.PieceLength, _ = pieceLength.Int()
	t.Length, _ = length.Int()
	if name, ok := info.Get("name"); ok {
		if name.Kind() != bencode.String {
			return nil, &WrongTypeError{Field: "name", Expected: bencode.String, Got: name.Kind()}
		}
		t.Name, _ = name.Str()
	}

	if t.PieceLength <= 0 {
		return nil, errors.Wrapf(ErrInvalidInfo, "piece length %d", t.PieceLength)
	}
	if t.Length < 0 {
		return nil, errors.Wrapf(ErrInvalidInfo, "length %d", t.Length)
	}

	// 20-byte SHA1 for each piece
	raw, _ := pieces.Bytes()
	if len(raw)%20 != 0 {
		return nil, errors.Wrapf(ErrInvalidInfo, "pieces is %d bytes, not a multiple of 20", len(raw))
	}
	t.Pieces = make([][20]byte, len(raw)/20)
	for i := range t.Pieces {
		copy(t.Pieces[i][:], raw[i*20:(i+1)*20])
	}
	if expected := data.ExpectedPieces(t.Length, t.PieceLength); int64(len(t.Pieces)) != expected {
		return nil, errors.Wrapf(ErrPieceCount, "%d hashes for %d bytes in %d byte pieces (want %d)",
			len(t.Pieces), t.Length, t.PieceLength, expected)
	}
	return t, nil
}

func Parse(b []byte) (*data.Torrent, error) {
	v, err := bencode.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	return FromValue(v)
}

func Load(filename string) (*data.Torrent, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading torrent")
	}
	t, err := Parse(contents)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", filename)
	}
	return t, nil
}
