package data

// BitField is the peer's piece map: bit i (MSB first) set means it has piece i.
type BitField struct {
	Field []byte
}

func NewBitField(numPieces int) BitField {
	return BitField{Field: make([]byte, (numPieces+7)/8)}
}

func (b BitField) HasPiece(index uint32) bool {
	byteIndex := index / 8
	if int(byteIndex) >= len(b.Field) {
		return false
	}
	return b.Field[byteIndex]>>(7-index%8)&1 != 0
}

// SetPiece is a no-op for indices past the end of the field.
func (b BitField) SetPiece(index uint32) {
	byteIndex := index / 8
	if int(byteIndex) >= len(b.Field) {
		return
	}
	b.Field[byteIndex] |= 1 << (7 - index%8)
}
