package storage

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const CheckpointSuffix = ".checkpoint"

var ErrBadPiece = errors.New("piece does not fit the file")

// IOError is a durability failure. Nothing past the failed step was
// recorded as complete.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s: %s", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Storage is the output file plus a log of the pieces known to be in it.
// A piece id only reaches the log after its bytes have been synced.
type Storage struct {
	path        string
	pieceLength int64
	totalLength int64

	mu         sync.Mutex
	file       *os.File
	checkpoint *os.File
	completed  *roaring.Bitmap

	// called between the data sync and the checkpoint append
	beforeCheckpoint func() error
}

func CheckpointPath(path string) string {
	return path + CheckpointSuffix
}

// Open creates or reuses path, sized to exactly totalLength bytes so any
// piece can be written in any order.
func Open(path string, pieceLength, totalLength int64) (*Storage, error) {
	if pieceLength <= 0 || totalLength < 0 {
		return nil, errors.Errorf("bad geometry: piece length %d, total %d", pieceLength, totalLength)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	if err := file.Truncate(totalLength); err != nil {
		file.Close()
		return nil, &IOError{Op: "truncate", Err: err}
	}
	checkpoint, err := os.OpenFile(CheckpointPath(path), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		file.Close()
		return nil, &IOError{Op: "open checkpoint", Err: err}
	}
	return &Storage{
		path:        path,
		pieceLength: pieceLength,
		totalLength: totalLength,
		file:        file,
		checkpoint:  checkpoint,
		completed:   roaring.New(),
	}, nil
}

func (s *Storage) numPieces() int64 {
	return (s.totalLength + s.pieceLength - 1) / s.pieceLength
}

// LoadCheckpoint reads the set of completed pieces. Entries are separated
// by commas or newlines; junk and out of range ids are skipped, as is an
// unterminated last entry, which is what a torn append looks like.
func (s *Storage) LoadCheckpoint() (*roaring.Bitmap, error) {
	contents, err := os.ReadFile(CheckpointPath(s.path))
	if err != nil && !os.IsNotExist(err) {
		return nil, &IOError{Op: "read checkpoint", Err: err}
	}

	set := roaring.New()
	text := string(contents)
	if idx := strings.LastIndexAny(text, ",\n"); idx >= 0 {
		if tail := strings.TrimSpace(text[idx+1:]); tail != "" {
			log.WithField("entry", tail).Warn("ignoring unterminated checkpoint entry")
		}
		text = text[:idx]
	} else {
		text = ""
	}
	for _, entry := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, err := strconv.ParseUint(entry, 10, 32)
		if err != nil || int64(id) >= s.numPieces() {
			log.WithField("entry", entry).Warn("skipping bad checkpoint entry")
			continue
		}
		set.Add(uint32(id))
	}

	s.mu.Lock()
	s.completed = set.Clone()
	s.mu.Unlock()
	return set, nil
}

func (s *Storage) Has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed.Contains(uint32(index))
}

func (s *Storage) WritePiece(index int, data []byte) error {
	return s.WritePieces(map[int][]byte{index: data})
}

// WritePieces writes a batch of verified pieces, syncs the file, and only
// then appends the ids to the checkpoint log and syncs that. Pieces already
// recorded are skipped.
func (s *Storage) WritePieces(pieces map[int][]byte) error {
	ids := make([]int, 0, len(pieces))
	for index, data := range pieces {
		if index < 0 || int64(index) >= s.numPieces() {
			return errors.Wrapf(ErrBadPiece, "index %d", index)
		}
		offset := int64(index) * s.pieceLength
		if expected := min(s.pieceLength, s.totalLength-offset); int64(len(data)) != expected {
			return errors.Wrapf(ErrBadPiece, "piece %d is %d bytes, expected %d", index, len(data), expected)
		}
		if !s.Has(index) {
			ids = append(ids, index)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, index := range ids {
		if _, err := s.file.WriteAt(pieces[index], int64(index)*s.pieceLength); err != nil {
			return &IOError{Op: fmt.Sprintf("write piece %d", index), Err: err}
		}
	}
	if err := s.file.Sync(); err != nil {
		return &IOError{Op: "sync data", Err: err}
	}
	if s.beforeCheckpoint != nil {
		if err := s.beforeCheckpoint(); err != nil {
			return &IOError{Op: "checkpoint", Err: err}
		}
	}

	var entries strings.Builder
	for _, index := range ids {
		entries.WriteString(strconv.Itoa(index))
		entries.WriteByte(',')
	}
	if _, err := s.checkpoint.WriteString(entries.String()); err != nil {
		return &IOError{Op: "append checkpoint", Err: err}
	}
	if err := s.checkpoint.Sync(); err != nil {
		return &IOError{Op: "sync checkpoint", Err: err}
	}
	for _, index := range ids {
		s.completed.Add(uint32(index))
	}
	log.WithFields(log.Fields{
		"pieces": ids,
	}).Debug("flushed pieces to storage")
	return nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.file.Close()
	if cerr := s.checkpoint.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &IOError{Op: "close", Err: err}
	}
	return nil
}
