package peer

import (
	"axiomiety/go-leech/data"
	"context"
	"encoding/hex"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type State int

const (
	Connecting State = iota
	Handshaking
	AwaitingBitfield
	Choked
	Unchoked
	Downloading
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case AwaitingBitfield:
		return "awaiting bitfield"
	case Choked:
		return "choked"
	case Unchoked:
		return "unchoked"
	case Downloading:
		return "downloading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Session is our side of one connection to one peer. It is not safe for
// concurrent use; the worker that dialed it owns it.
type Session struct {
	Peer   data.Peer
	PeerId [20]byte

	cfg       Config
	infoHash  [20]byte
	numPieces int
	conn      net.Conn
	log       *log.Entry

	state        State
	choked       bool
	bitfield     data.BitField
	haveBitfield bool
	progress     *pieceProgress
}

// NewSession wraps an established connection. Start must be called before
// anything is downloaded.
func NewSession(conn net.Conn, peer data.Peer, infoHash [20]byte, numPieces int, cfg Config) *Session {
	cfg = cfg.normalize()
	return &Session{
		Peer:      peer,
		cfg:       cfg,
		infoHash:  infoHash,
		numPieces: numPieces,
		conn:      conn,
		state:     Handshaking,
		choked:    true,
		bitfield:  data.NewBitField(numPieces),
		log: log.WithFields(log.Fields{
			"peer":    peer.String(),
			"session": uuid.NewString()[:8],
		}),
	}
}

// Dial connects to peer and runs the handshake. Failing to connect within
// cfg.DialTimeout is ErrTimeout.
func Dial(ctx context.Context, peer data.Peer, infoHash [20]byte, numPieces int, cfg Config) (*Session, error) {
	cfg = cfg.normalize()
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errors.Wrapf(ErrTimeout, "connecting to %s", peer)
		}
		return nil, errors.Wrapf(err, "connecting to %s", peer)
	}
	s := NewSession(conn, peer, infoHash, numPieces, cfg)
	s.log.Debug("connected")
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Choked() bool {
	return s.choked
}

// Bitfield returns a copy of what the peer claims to have.
func (s *Session) Bitfield() data.BitField {
	field := make([]byte, len(s.bitfield.Field))
	copy(field, s.bitfield.Field)
	return data.BitField{Field: field}
}

func (s *Session) HasPiece(index int) bool {
	return index >= 0 && index < s.numPieces && s.bitfield.HasPiece(uint32(index))
}

// watch makes blocking conn calls return as soon as ctx is done.
func (s *Session) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Unix(1, 0))
	})
}

func (s *Session) fail(ctx context.Context, err error, op string) error {
	s.state = Failed
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s %s", op, s.Peer)
	}
	return errors.Wrapf(err, "%s %s", op, s.Peer)
}

// Start sends our handshake, checks theirs, declares interest and waits for
// the first message, normally the bitfield.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		s.state = Failed
		return err
	}
	defer s.watch(ctx)()

	s.state = Handshaking
	s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	handshake := data.GetHandshake(s.cfg.PeerId, s.infoHash)
	if _, err := s.conn.Write(handshake.ToBytes()); err != nil {
		return s.fail(ctx, err, "sending handshake to")
	}
	buf := make([]byte, data.HandshakeSize)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return s.fail(ctx, errors.Wrap(data.ErrHandshakeMismatch, "short handshake"), "reading handshake from")
		}
		return s.fail(ctx, err, "reading handshake from")
	}
	theirs, err := data.ParseHandshake(buf, s.infoHash)
	if err != nil {
		return s.fail(ctx, err, "handshake with")
	}
	s.PeerId = theirs.PeerId
	s.log = s.log.WithField("peer_id", hex.EncodeToString(theirs.PeerId[:]))

	if err := s.send(data.Interested()); err != nil {
		return s.fail(ctx, err, "sending interested to")
	}

	s.state = AwaitingBitfield
	if err := s.readOne(ctx); err != nil {
		return s.fail(ctx, err, "waiting for bitfield from")
	}
	s.settle()
	s.log.WithField("choked", s.choked).Debug("lock 'n load!")
	return nil
}

func (s *Session) settle() {
	if s.choked {
		s.state = Choked
	} else {
		s.state = Unchoked
	}
}

func (s *Session) send(msg *data.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.MessageTimeout))
	_, err := s.conn.Write(msg.ToBytes())
	return err
}

// readOne waits up to MessageTimeout for a frame, never past ctx's deadline.
func (s *Session) readOne(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.cfg.MessageTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetReadDeadline(deadline)
	msg, err := data.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	return s.handle(msg)
}

func (s *Session) handle(msg *data.Message) error {
	if msg == nil {
		return nil
	}
	switch msg.ID {
	case data.MsgChoke:
		s.choked = true
		// the peer drops whatever we had queued
		if s.progress != nil {
			s.progress.resetOutstanding()
		}
	case data.MsgUnchoke:
		s.choked = false
	case data.MsgHave:
		index, err := data.ParseHave(msg)
		if err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
		s.bitfield.SetPiece(index)
	case data.MsgBitfield:
		if s.haveBitfield {
			s.log.Debug("ignoring second bitfield")
			return nil
		}
		if len(msg.Payload) != len(s.bitfield.Field) {
			return errors.Wrapf(ErrProtocol, "bitfield of %d bytes for %d pieces", len(msg.Payload), s.numPieces)
		}
		// haves may have arrived first
		for i, b := range msg.Payload {
			s.bitfield.Field[i] |= b
		}
		s.haveBitfield = true
	case data.MsgPiece:
		block, err := data.ParsePiece(msg)
		if err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
		if s.progress == nil {
			return nil
		}
		if _, err := s.progress.receive(block); err != nil {
			return err
		}
	case data.MsgInterested, data.MsgNotInterested, data.MsgRequest, data.MsgCancel:
		// we don't upload
	default:
		s.log.WithField("id", byte(msg.ID)).Debug("ignoring unknown message")
	}
	return nil
}

// DownloadPiece fetches one piece and returns its bytes unverified; checking
// them against the torrent is the caller's job.
func (s *Session) DownloadPiece(ctx context.Context, index int, length int64) ([]byte, error) {
	if !s.HasPiece(index) {
		return nil, &BlockNotPresentError{Index: index}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a choked peer sending keep-alives would otherwise hold us forever;
	// readOne caps every read at this deadline
	pieceCtx, cancel := context.WithTimeout(ctx, s.cfg.PieceTimeout)
	defer cancel()
	stop := s.watch(ctx)

	s.progress = newPieceProgress(uint32(index), int(length), s.cfg.BlockSize)
	defer func() { s.progress = nil }()
	s.state = Downloading
	started := time.Now()

	for !s.progress.done() {
		if !s.choked {
			for s.progress.numOutstanding() < s.cfg.Backlog {
				req, ok := s.progress.nextRequest()
				if !ok {
					break
				}
				if err := s.send(data.Request(req.Index, req.Begin, req.Length)); err != nil {
					stop()
					return nil, s.fail(ctx, err, "requesting from")
				}
			}
		}
		if err := s.readOne(pieceCtx); err != nil {
			stop()
			err = s.fail(ctx, err, "downloading from")
			if errors.Is(err, ErrTimeout) {
				s.abandon()
			}
			return nil, err
		}
	}
	stop()

	s.settle()
	s.log.WithFields(log.Fields{
		"piece":   index,
		"blocks":  s.progress.numBlocks,
		"elapsed": time.Since(started),
	}).Debug("piece downloaded")
	return s.progress.assemble(), nil
}

// abandon cancels whatever is still outstanding on a piece we gave up on.
// The peer may well be gone, so errors are only logged.
func (s *Session) abandon() {
	for _, block := range s.progress.outstanding.ToArray() {
		begin := block * uint32(s.progress.blockSize)
		length := uint32(s.progress.blockLength(int(block)))
		if err := s.send(data.Cancel(s.progress.index, begin, length)); err != nil {
			s.log.WithError(err).Debug("could not cancel request")
			return
		}
	}
}

// Close tells a healthy peer we're no longer interested before hanging up.
func (s *Session) Close() error {
	if s.state != Failed {
		s.state = Done
		if err := s.send(data.NotInterested()); err != nil {
			s.log.WithError(err).Debug("could not send not interested")
		}
	}
	return s.conn.Close()
}
