package tracker

import (
	"axiomiety/go-leech/bencode"
	"axiomiety/go-leech/data"
	"axiomiety/go-leech/torrent"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TrackerServer is a bare-bones tracker: it knows the torrents found in
// Directory and hands every announcing peer the list of the others.
type TrackerServer struct {
	Directory string
	Port      int32
	Cache     *TrackerCache
}

type TrackerCache struct {
	Interval int64
	mu       sync.Mutex
	Store    map[[20]byte][]data.Peer
}

func NewTrackerCache(interval int64) *TrackerCache {
	return &TrackerCache{
		Interval: interval,
		Store:    map[[20]byte][]data.Peer{},
	}
}

// Register makes infoHash known, optionally with some peers already in it.
func (c *TrackerCache) Register(infoHash [20]byte, peers ...data.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Store[infoHash] = append(c.Store[infoHash], peers...)
}

// announce records p and returns everybody else. ok is false for unknown
// torrents.
func (c *TrackerCache) announce(infoHash [20]byte, p data.Peer) ([]data.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers, found := c.Store[infoHash]
	if !found {
		return nil, false
	}
	others := make([]data.Peer, 0, len(peers))
	known := false
	for _, existing := range peers {
		if existing.IP.Equal(p.IP) && existing.Port == p.Port {
			known = true
			continue
		}
		others = append(others, existing)
	}
	if !known {
		c.Store[infoHash] = append(peers, p)
	}
	return others, true
}

func (t *TrackerServer) loadTorrents() error {
	files, err := os.ReadDir(t.Directory)
	if err != nil {
		return errors.Wrap(err, "listing torrents")
	}
	for _, filename := range files {
		if !strings.HasSuffix(filename.Name(), ".torrent") {
			continue
		}
		btorrent, err := torrent.Load(filepath.Join(t.Directory, filename.Name()))
		if err != nil {
			log.WithError(err).Warnf("skipping %s", filename.Name())
			continue
		}
		log.WithField("info_hash", fmt.Sprintf("%x", btorrent.InfoHash)).Infof("torrent file found: %s", filename.Name())
		t.Cache.Register(btorrent.InfoHash)
	}
	return nil
}

func (t *TrackerServer) Router() *mux.Router {
	if t.Cache == nil {
		t.Cache = NewTrackerCache(30)
	}
	r := mux.NewRouter()
	r.HandleFunc("/announce", t.announce).Methods(http.MethodGet)
	return r
}

func (t *TrackerServer) Serve() error {
	router := t.Router()
	if t.Directory != "" {
		if err := t.loadTorrents(); err != nil {
			return err
		}
	}
	log.Infof("serving torrents from %s on :%d", t.Directory, t.Port)
	return http.ListenAndServe(fmt.Sprintf(":%d", t.Port), router)
}

func writeBencoded(w http.ResponseWriter, response map[string]any) {
	v, err := bencode.FromAny(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(bencode.Marshal(v))
}

func (t *TrackerServer) announce(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	sendFailure := func(reason string) {
		writeBencoded(w, map[string]any{
			"failure reason": reason,
		})
	}

	// this has already been decoded for us
	rawHash := query.Get("info_hash")
	if len(rawHash) != 20 {
		sendFailure("invalid info hash")
		return
	}
	infoHash := [20]byte([]byte(rawHash))

	port, err := strconv.ParseUint(query.Get("port"), 10, 16)
	if err != nil || port == 0 {
		sendFailure("invalid port")
		return
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		sendFailure("can't work out your address")
		return
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	others, found := t.Cache.announce(infoHash, data.Peer{IP: ip, Port: uint16(port)})
	if !found {
		sendFailure("unknown info hash")
		return
	}
	log.WithFields(log.Fields{
		"info_hash": fmt.Sprintf("%x", infoHash),
		"peer":      net.JoinHostPort(host, strconv.Itoa(int(port))),
		"returned":  len(others),
	}).Debug("announce")

	response := map[string]any{
		"interval":   t.Cache.Interval,
		"complete":   0,
		"incomplete": len(others) + 1,
	}
	if query.Get("compact") == "1" {
		response["peers"] = CompactPeers(others)
	} else {
		peers := make([]map[string]any, len(others))
		for i, p := range others {
			peers[i] = map[string]any{"ip": p.IP.String(), "port": int(p.Port)}
		}
		response["peers"] = peers
	}
	writeBencoded(w, response)
}
