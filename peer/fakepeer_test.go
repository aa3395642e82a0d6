package peer

import (
	"axiomiety/go-leech/data"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePeer is a seeder on a loopback port serving content. The knobs make
// it misbehave in the ways real peers do.
type fakePeer struct {
	infoHash    [20]byte
	content     []byte
	pieceLength int
	numPieces   int

	has          func(index int) bool // nil means every piece
	corrupt      func(index int) bool
	badHandshake bool
	chokeFirst   bool // choke on the first request, then unchoke again
	hangUp       bool // drop the connection on the first request
	noUnchoke    bool
	extraNoise   bool          // second (empty) bitfield and an unknown message id
	silent       bool          // take requests and never answer them
	keepAlive    time.Duration // send keep-alives this often, 0 for never

	requests      atomic.Int32
	cancels       atomic.Int32
	notInterested atomic.Int32
	pieceRequests sync.Map // piece index -> *atomic.Int32
	ln            net.Listener
}

func newFakePeer(infoHash [20]byte, content []byte, pieceLength int) *fakePeer {
	return &fakePeer{
		infoHash:    infoHash,
		content:     content,
		pieceLength: pieceLength,
		numPieces:   (len(content) + pieceLength - 1) / pieceLength,
	}
}

func (f *fakePeer) start(t *testing.T) data.Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f.ln = ln
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return data.Peer{IP: addr.IP.To4(), Port: uint16(addr.Port)}
}

func (f *fakePeer) requestsFor(index int) int {
	v, ok := f.pieceRequests.Load(index)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func (f *fakePeer) hasPiece(index int) bool {
	return f.has == nil || f.has(index)
}

// eventually polls cond for up to a second.
func eventually(cond func() bool) bool {
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if cond() {
			return true
		}
	}
	return cond()
}

func (f *fakePeer) serve(conn net.Conn) {
	defer conn.Close()

	var mu sync.Mutex
	write := func(b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := conn.Write(b)
		return err
	}

	buf := make([]byte, data.HandshakeSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	var peerId [20]byte
	copy(peerId[:], "-FK0001-fakefakefake")
	infoHash := f.infoHash
	if f.badHandshake {
		infoHash[0] ^= 0xff
	}
	handshake := data.GetHandshake(peerId, infoHash)
	if err := write(handshake.ToBytes()); err != nil {
		return
	}

	bitfield := data.NewBitField(f.numPieces)
	for i := 0; i < f.numPieces; i++ {
		if f.hasPiece(i) {
			bitfield.SetPiece(uint32(i))
		}
	}
	write(data.BitFieldMsg(bitfield).ToBytes())
	if f.extraNoise {
		write([]byte{0, 0, 0, 2, 20, 1})
		write(data.KeepAlive().ToBytes())
	}
	if !f.noUnchoke {
		write(data.Unchoke().ToBytes())
	}
	if f.extraNoise {
		write(data.BitFieldMsg(data.NewBitField(f.numPieces)).ToBytes())
	}
	if f.keepAlive > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(f.keepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if write(data.KeepAlive().ToBytes()) != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	for {
		msg, err := data.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case data.MsgCancel:
			f.cancels.Add(1)
			continue
		case data.MsgNotInterested:
			f.notInterested.Add(1)
			continue
		case data.MsgRequest:
		default:
			continue
		}
		req, err := data.ParseRequest(msg)
		if err != nil {
			return
		}
		n := f.requests.Add(1)
		counter, _ := f.pieceRequests.LoadOrStore(int(req.Index), new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)

		if f.hangUp {
			return
		}
		if f.chokeFirst && n == 1 {
			// the request is dropped, as real peers do
			write(data.Choke().ToBytes())
			write(data.Unchoke().ToBytes())
			continue
		}
		if f.silent || !f.hasPiece(int(req.Index)) {
			continue
		}
		start := int(req.Index)*f.pieceLength + int(req.Begin)
		end := start + int(req.Length)
		if end > len(f.content) {
			return
		}
		block := make([]byte, req.Length)
		copy(block, f.content[start:end])
		if f.corrupt != nil && f.corrupt(int(req.Index)) {
			block[0] ^= 0xff
		}
		if err := write(data.Piece(req.Index, req.Begin, block).ToBytes()); err != nil {
			return
		}
	}
}
