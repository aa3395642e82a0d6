package peer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTimeout        = errors.New("timed out")
	ErrProtocol       = errors.New("peer protocol violation")
	ErrCorruptedPiece = errors.New("piece hash mismatch")
	ErrPeersExhausted = errors.New("ran out of peers")
)

type BlockNotPresentError struct {
	Index int
}

func (e *BlockNotPresentError) Error() string {
	return fmt.Sprintf("peer doesn't have piece %d", e.Index)
}

// PieceUnreachableError means a piece used up its attempts.
type PieceUnreachableError struct {
	Index    int
	Attempts int
	Last     error
}

func (e *PieceUnreachableError) Error() string {
	return fmt.Sprintf("piece %d unreachable after %d attempts: %s", e.Index, e.Attempts, e.Last)
}

func (e *PieceUnreachableError) Unwrap() error {
	return e.Last
}
