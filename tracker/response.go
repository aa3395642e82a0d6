package tracker

import (
	"axiomiety/go-leech/bencode"
	"axiomiety/go-leech/data"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

const compactPeerSize = 6

var ErrInvalidPeerList = errors.New("invalid peer list")

// FailureError is a tracker saying no, via "failure reason".
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.Reason)
}

type Response struct {
	Complete   int64 // seeds
	Incomplete int64 // leechers
	Interval   int64 // in seconds
	Peers      []data.Peer
}

func ParseResponse(v bencode.Value) (*Response, error) {
	if v.Kind() != bencode.Dict {
		return nil, errors.Errorf("tracker response is a %s, not a dict", v.Kind())
	}
	if reason, ok := v.Get("failure reason"); ok {
		s, _ := reason.Str()
		return nil, &FailureError{Reason: s}
	}
	resp := &Response{}
	for key, dst := range map[string]*int64{
		"complete":   &resp.Complete,
		"incomplete": &resp.Incomplete,
		"interval":   &resp.Interval,
	} {
		if val, ok := v.Get(key); ok {
			*dst, _ = val.Int()
		}
	}
	peers, err := ParsePeers(v)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

// ParsePeers reads the "peers" entry, either compact (6 bytes per peer) or
// a list of {ip, port} dicts.
func ParsePeers(v bencode.Value) ([]data.Peer, error) {
	peers, ok := v.Get("peers")
	if !ok {
		return nil, errors.Wrap(ErrInvalidPeerList, "no peers key")
	}
	switch peers.Kind() {
	case bencode.String:
		raw, _ := peers.Bytes()
		return parseCompact(raw)
	case bencode.List:
		items, _ := peers.List()
		return parseDicts(items)
	}
	return nil, errors.Wrapf(ErrInvalidPeerList, "peers is a %s", peers.Kind())
}

func parseCompact(raw []byte) ([]data.Peer, error) {
	if len(raw)%compactPeerSize != 0 {
		return nil, errors.Wrapf(ErrInvalidPeerList, "compact list of %d bytes", len(raw))
	}
	ret := make([]data.Peer, 0, len(raw)/compactPeerSize)
	for i := 0; i < len(raw); i += compactPeerSize {
		ip := make(net.IP, 4)
		copy(ip, raw[i:i+4])
		ret = append(ret, data.Peer{
			IP:   ip,
			Port: binary.BigEndian.Uint16(raw[i+4 : i+6]),
		})
	}
	return ret, nil
}

func parseDicts(items []bencode.Value) ([]data.Peer, error) {
	ret := make([]data.Peer, 0, len(items))
	for idx, item := range items {
		ipVal, ok := item.Get("ip")
		if !ok || ipVal.Kind() != bencode.String {
			return nil, errors.Wrapf(ErrInvalidPeerList, "peer %d: bad ip", idx)
		}
		portVal, ok := item.Get("port")
		port, isInt := portVal.Int()
		if !ok || !isInt || port <= 0 || port > 65535 {
			return nil, errors.Wrapf(ErrInvalidPeerList, "peer %d: bad port", idx)
		}
		host, _ := ipVal.Str()
		ip := net.ParseIP(host)
		if ip == nil {
			// hostnames are allowed here, but resolving them is not our job
			return nil, errors.Wrapf(ErrInvalidPeerList, "peer %d: %q is not an IP", idx, host)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		ret = append(ret, data.Peer{IP: ip, Port: uint16(port)})
	}
	return ret, nil
}

// CompactPeers is the inverse of the compact form, IPv4 peers only.
func CompactPeers(peers []data.Peer) []byte {
	buf := make([]byte, 0, len(peers)*compactPeerSize)
	for _, p := range peers {
		v4 := p.IP.To4()
		if v4 == nil {
			continue
		}
		buf = append(buf, v4...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}
