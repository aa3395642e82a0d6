package torrent

import (
	"axiomiety/go-leech/bencode"
	"bytes"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CreateTorrent writes a single-file metainfo for filename to outputFile.
func CreateTorrent(outputFile string, announce string, name string, pieceLength int, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "opening source")
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(filename)
	}
	meta, err := MetaInfo(announce, name, pieceLength, f)
	if err != nil {
		return err
	}
	return os.WriteFile(outputFile, bencode.Marshal(meta), 0644)
}

// MetaInfo hashes r piece by piece and returns the full metainfo dictionary.
func MetaInfo(announce string, name string, pieceLength int, r io.Reader) (bencode.Value, error) {
	if pieceLength <= 0 {
		return bencode.Value{}, errors.Wrapf(ErrInvalidInfo, "piece length %d", pieceLength)
	}
	pieces, length, err := calculatePieces(pieceLength, r)
	if err != nil {
		return bencode.Value{}, err
	}
	log.WithFields(log.Fields{
		"name":   name,
		"length": length,
		"pieces": len(pieces) / sha1.Size,
	}).Debug("hashed content")

	return bencode.FromAny(map[string]any{
		"announce":   announce,
		"created by": "go-leech",
		"info": map[string]any{
			"name":         name,
			"length":       length,
			"piece length": pieceLength,
			"pieces":       pieces,
		},
	})
}

func calculatePieces(pieceLength int, r io.Reader) ([]byte, int64, error) {
	var pieces bytes.Buffer
	var total int64
	buf := make([]byte, pieceLength)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			digest := sha1.Sum(buf[:n])
			pieces.Write(digest[:])
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "reading source")
		}
	}
	return pieces.Bytes(), total, nil
}
