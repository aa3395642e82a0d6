package peer

import (
	"axiomiety/go-leech/data"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
)

// pieceProgress tracks one piece being assembled. Every block is in exactly
// one of three places: missing and not asked for, outstanding (in missing
// and outstanding), or received (in blocks).
type pieceProgress struct {
	index     uint32
	length    int
	blockSize int
	numBlocks int

	blocks      map[int][]byte // offset -> bytes
	missing     *roaring.Bitmap
	outstanding *roaring.Bitmap
}

func newPieceProgress(index uint32, length, blockSize int) *pieceProgress {
	numBlocks := (length + blockSize - 1) / blockSize
	missing := roaring.New()
	missing.AddRange(0, uint64(numBlocks))
	return &pieceProgress{
		index:       index,
		length:      length,
		blockSize:   blockSize,
		numBlocks:   numBlocks,
		blocks:      make(map[int][]byte, numBlocks),
		missing:     missing,
		outstanding: roaring.New(),
	}
}

// blockLength is blockSize except for a short last block.
func (p *pieceProgress) blockLength(block int) int {
	begin := block * p.blockSize
	return min(p.blockSize, p.length-begin)
}

func (p *pieceProgress) done() bool {
	return p.missing.IsEmpty()
}

func (p *pieceProgress) numOutstanding() int {
	return int(p.outstanding.GetCardinality())
}

// nextRequest picks the lowest block that is missing and not yet asked for,
// and marks it outstanding.
func (p *pieceProgress) nextRequest() (data.BlockRequest, bool) {
	candidates := roaring.AndNot(p.missing, p.outstanding)
	if candidates.IsEmpty() {
		return data.BlockRequest{}, false
	}
	block := candidates.Minimum()
	p.outstanding.Add(block)
	return data.BlockRequest{
		Index:  p.index,
		Begin:  block * uint32(p.blockSize),
		Length: uint32(p.blockLength(int(block))),
	}, true
}

// resetOutstanding forgets requests a choke threw away.
func (p *pieceProgress) resetOutstanding() {
	p.outstanding.Clear()
}

// receive stores a block. Blocks we already have are dropped; blocks that
// don't line up with our partition are a protocol error.
func (p *pieceProgress) receive(b data.Block) (bool, error) {
	if b.Index != p.index {
		return false, nil
	}
	if int(b.Begin)%p.blockSize != 0 || int(b.Begin) >= p.length {
		return false, errors.Wrapf(ErrProtocol, "block at offset %d of piece %d", b.Begin, p.index)
	}
	block := int(b.Begin) / p.blockSize
	if expected := p.blockLength(block); len(b.Data) != expected {
		return false, errors.Wrapf(ErrProtocol, "block %d of piece %d is %d bytes, expected %d", block, p.index, len(b.Data), expected)
	}
	if !p.missing.Contains(uint32(block)) {
		return false, nil
	}
	buf := make([]byte, len(b.Data))
	copy(buf, b.Data)
	p.blocks[int(b.Begin)] = buf
	p.missing.Remove(uint32(block))
	p.outstanding.Remove(uint32(block))
	return true, nil
}

func (p *pieceProgress) assemble() []byte {
	buf := make([]byte, p.length)
	for offset, block := range p.blocks {
		copy(buf[offset:], block)
	}
	return buf
}
