package peer

import (
	"axiomiety/go-leech/common"
	"time"
)

// BlockSize is what every client asks for; most drop requests above it.
const BlockSize = 16 * 1024

type Config struct {
	PeerId     [20]byte
	ListenPort int

	// MaxPeers caps how many sessions run at once.
	MaxPeers int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// MessageTimeout bounds the wait for any single message once connected.
	MessageTimeout time.Duration
	// PieceTimeout bounds a whole DownloadPiece. Keep-alives don't extend it.
	PieceTimeout time.Duration

	BlockSize int
	// Backlog is the number of block requests kept in flight per session.
	Backlog int

	MaxPieceAttempts int
	// DialRate is new connections per second, <= 0 for no limit.
	DialRate float64
	// BatchSize is how many verified pieces are held before a storage flush.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		PeerId:           common.NewPeerID(),
		ListenPort:       6881,
		MaxPeers:         5,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		// peers send keep-alives every two minutes
		MessageTimeout:   2 * time.Minute,
		PieceTimeout:     3 * time.Minute,
		BlockSize:        BlockSize,
		Backlog:          5,
		MaxPieceAttempts: 5,
		DialRate:         10,
		BatchSize:        4,
	}
}

// normalize fills in anything left at zero.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.PeerId == ([20]byte{}) {
		c.PeerId = d.PeerId
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.PieceTimeout <= 0 {
		c.PieceTimeout = d.PieceTimeout
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.MaxPieceAttempts <= 0 {
		c.MaxPieceAttempts = d.MaxPieceAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}
