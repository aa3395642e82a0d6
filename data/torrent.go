package data

// Torrent is the immutable descriptor derived from a metainfo file.
type Torrent struct {
	InfoHash    [20]byte
	Announce    string
	Name        string
	PieceLength int64 // bytes per piece
	Length      int64 // of the file, in bytes
	Pieces      [][20]byte
}

func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// PieceSize is PieceLength for all but the last piece, which gets whatever
// is left over.
func (t *Torrent) PieceSize(index int) int64 {
	start := t.PieceOffset(index)
	end := start + t.PieceLength
	if end > t.Length {
		end = t.Length
	}
	return end - start
}

func (t *Torrent) PieceOffset(index int) int64 {
	return int64(index) * t.PieceLength
}

// ExpectedPieces is ceil(Length / PieceLength).
func ExpectedPieces(length, pieceLength int64) int64 {
	if pieceLength <= 0 {
		return 0
	}
	return (length + pieceLength - 1) / pieceLength
}
