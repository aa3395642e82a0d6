package peer

import (
	"axiomiety/go-leech/data"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PieceStore is where verified pieces end up. storage.Storage is one.
type PieceStore interface {
	LoadCheckpoint() (*roaring.Bitmap, error)
	WritePieces(pieces map[int][]byte) error
}

// PeerManager hands pieces out to sessions, checks what comes back and
// feeds storage. Everything about which piece goes where happens on the
// goroutine running Run; sessions only ask for work and report back.
type PeerManager struct {
	Torrent *data.Torrent
	Peers   []data.Peer
	Store   PieceStore
	Config  Config

	completed atomic.Int64
}

func NewPeerManager(t *data.Torrent, peers []data.Peer, store PieceStore, cfg Config) *PeerManager {
	return &PeerManager{
		Torrent: t,
		Peers:   peers,
		Store:   store,
		Config:  cfg.normalize(),
	}
}

// Progress reports verified and stored pieces against the total.
func (p *PeerManager) Progress() (int, int) {
	return int(p.completed.Load()), p.Torrent.NumPieces()
}

type workRequest struct {
	peer     data.Peer
	bitfield data.BitField
	reply    chan int
}

type pieceResult struct {
	peer  data.Peer
	index int
	buf   []byte
	err   error
}

type workerExit struct {
	peer data.Peer
	err  error
}

// dismissed tells a worker its peer has nothing left that we need
const dismissed = -1

type run struct {
	*PeerManager
	ctx     context.Context
	limiter *rate.Limiter
	wg      sync.WaitGroup

	requests chan workRequest
	results  chan pieceResult
	exits    chan workerExit

	candidates []data.Peer
	active     int

	pending  []int
	inflight map[int]data.Peer
	attempts map[int]int
	parked   []workRequest
	batch    map[int][]byte
	// peers that handed us a bad copy of a piece only get it again when
	// no other live peer has it
	failedBy map[int]map[string]bool
	// last bitfield seen from each live worker
	live map[string]data.BitField
}

// Run downloads every piece not yet in the store's checkpoint. It only
// returns nil once all of them have been written.
func (p *PeerManager) Run(ctx context.Context) error {
	done, err := p.Store.LoadCheckpoint()
	if err != nil {
		return err
	}
	total := p.Torrent.NumPieces()
	p.completed.Store(int64(done.GetCardinality()))

	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		PeerManager: p,
		ctx:         ctx,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		requests:    make(chan workRequest),
		results:     make(chan pieceResult),
		exits:       make(chan workerExit),
		candidates:  append([]data.Peer(nil), p.Peers...),
		inflight:    map[int]data.Peer{},
		attempts:    map[int]int{},
		batch:       map[int][]byte{},
		failedBy:    map[int]map[string]bool{},
		live:        map[string]data.BitField{},
	}
	if p.Config.DialRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(p.Config.DialRate), 1)
	}
	for i := 0; i < total; i++ {
		if !done.Contains(uint32(i)) {
			r.pending = append(r.pending, i)
		}
	}
	defer r.wg.Wait()
	defer cancel()

	log.WithFields(log.Fields{
		"info_hash": hex.EncodeToString(p.Torrent.InfoHash[:]),
		"pieces":    total,
		"resumed":   done.GetCardinality(),
		"peers":     len(p.Peers),
	}).Info("starting download")

	return r.loop()
}

func (r *run) remaining() int {
	return len(r.pending) + len(r.inflight) + len(r.batch)
}

func (r *run) loop() error {
	for r.remaining() > 0 {
		// a worker cut short by cancellation reports an error too
		if err := r.ctx.Err(); err != nil {
			if ferr := r.flush(); ferr != nil {
				return ferr
			}
			return err
		}
		r.spawn()
		if r.active == 0 {
			if err := r.flush(); err != nil {
				return err
			}
			return errors.Wrapf(ErrPeersExhausted, "%d pieces left", len(r.pending)+len(r.inflight))
		}

		select {
		case req := <-r.requests:
			r.assign(req, true)
		case res := <-r.results:
			if err := r.handleResult(res); err != nil {
				r.flush()
				return err
			}
		case ex := <-r.exits:
			r.active--
			delete(r.live, ex.peer.String())
			log.WithError(ex.err).WithField("peer", ex.peer.String()).Debug("peer dropped")
			// requests waiting on this peer can go ahead now
			r.unpark()
		case <-r.ctx.Done():
			if err := r.flush(); err != nil {
				return err
			}
			return r.ctx.Err()
		}
	}
	return nil
}

// spawn tops the worker pool back up from the candidate list.
func (r *run) spawn() {
	for r.active < r.Config.MaxPeers && len(r.candidates) > 0 && len(r.pending)+len(r.inflight) > 0 {
		peer := r.candidates[0]
		r.candidates = r.candidates[1:]
		r.active++
		r.wg.Add(1)
		go r.worker(peer)
	}
}

// assign gives req the first pending piece its peer has, preferring pieces
// it hasn't already botched. A botched piece is only retried by the same
// peer when no other live peer has it. Otherwise the request waits for an
// in-flight piece to come back, or the worker is sent home when nothing it
// has is still needed.
func (r *run) assign(req workRequest, park bool) bool {
	key := req.peer.String()
	r.live[key] = req.bitfield

	wait := false
	for _, retry := range []bool{false, true} {
		for i, index := range r.pending {
			if !req.bitfield.HasPiece(uint32(index)) || r.failedBy[index][key] != retry {
				continue
			}
			if retry && r.betterPeer(key, index) {
				wait = true
				continue
			}
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.inflight[index] = req.peer
			req.reply <- index
			return true
		}
	}
	if !wait {
		for index := range r.inflight {
			if req.bitfield.HasPiece(uint32(index)) {
				wait = true
				break
			}
		}
	}
	if wait {
		if park {
			r.parked = append(r.parked, req)
		}
		return false
	}
	req.reply <- dismissed
	return true
}

// betterPeer reports whether a live peer other than key has index and
// hasn't sent a bad copy of it.
func (r *run) betterPeer(key string, index int) bool {
	for other, bitfield := range r.live {
		if other != key && bitfield.HasPiece(uint32(index)) && !r.failedBy[index][other] {
			return true
		}
	}
	return false
}

// unpark retries every parked request after the pending set changed.
func (r *run) unpark() {
	parked := r.parked
	r.parked = nil
	for _, req := range parked {
		if !r.assign(req, false) {
			r.parked = append(r.parked, req)
		}
	}
}

func (r *run) requeue(index int, cause error) error {
	r.attempts[index]++
	if r.attempts[index] >= r.Config.MaxPieceAttempts {
		return &PieceUnreachableError{Index: index, Attempts: r.attempts[index], Last: cause}
	}
	r.pending = append(r.pending, index)
	return nil
}

func (r *run) handleResult(res pieceResult) error {
	delete(r.inflight, res.index)
	defer r.unpark()

	entry := log.WithFields(log.Fields{
		"peer":  res.peer.String(),
		"piece": res.index,
	})
	if res.err != nil {
		// the worker is gone, its piece goes back in the pool
		r.active--
		delete(r.live, res.peer.String())
		if r.ctx.Err() != nil {
			r.pending = append(r.pending, res.index)
			return nil
		}
		entry.WithError(res.err).Warn("session failed")
		return r.requeue(res.index, res.err)
	}

	if sha1.Sum(res.buf) != r.Torrent.Pieces[res.index] {
		err := errors.Wrapf(ErrCorruptedPiece, "piece %d from %s", res.index, res.peer)
		entry.Warn("corrupted piece, requeueing")
		if r.failedBy[res.index] == nil {
			r.failedBy[res.index] = map[string]bool{}
		}
		r.failedBy[res.index][res.peer.String()] = true
		return r.requeue(res.index, err)
	}

	r.batch[res.index] = res.buf
	if len(r.batch) >= r.Config.BatchSize || len(r.pending)+len(r.inflight) == 0 {
		return r.flush()
	}
	return nil
}

// flush writes the verified batch. A failure here is fatal: we can't tell
// what made it to disk.
func (r *run) flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	if err := r.Store.WritePieces(r.batch); err != nil {
		return errors.Wrap(err, "writing pieces")
	}
	n := r.completed.Add(int64(len(r.batch)))
	log.WithFields(log.Fields{
		"completed": n,
		"total":     r.Torrent.NumPieces(),
		"progress":  float64(n) / float64(r.Torrent.NumPieces()) * 100,
	}).Info("pieces stored")
	r.batch = map[int][]byte{}
	return nil
}

func (r *run) worker(peer data.Peer) {
	defer r.wg.Done()

	exit := func(err error) {
		select {
		case r.exits <- workerExit{peer: peer, err: err}:
		case <-r.ctx.Done():
		}
	}

	if err := r.limiter.Wait(r.ctx); err != nil {
		exit(err)
		return
	}
	sess, err := Dial(r.ctx, peer, r.Torrent.InfoHash, r.Torrent.NumPieces(), r.Config)
	if err != nil {
		exit(err)
		return
	}
	defer sess.Close()

	for {
		req := workRequest{peer: peer, bitfield: sess.Bitfield(), reply: make(chan int, 1)}
		select {
		case r.requests <- req:
		case <-r.ctx.Done():
			return
		}
		var index int
		select {
		case index = <-req.reply:
		case <-r.ctx.Done():
			return
		}
		if index == dismissed {
			exit(nil)
			return
		}

		buf, err := sess.DownloadPiece(r.ctx, index, r.Torrent.PieceSize(index))
		select {
		case r.results <- pieceResult{peer: peer, index: index, buf: buf, err: err}:
		case <-r.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
