package data

import (
	"net"
	"strconv"
)

// Peer is an endpoint taken from a tracker response.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// TrackerQuery holds announce parameters. InfoHash and PeerId are expected
// to be percent-encoded already.
type TrackerQuery struct {
	InfoHash   string
	PeerId     string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
}
