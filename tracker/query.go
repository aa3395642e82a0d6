package tracker

import (
	"axiomiety/go-leech/data"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const hexDigits = "0123456789ABCDEF"

// EncodeBytes percent-encodes every byte, unreserved characters included.
// Info hashes and peer ids are raw binary so there's no point being clever.
func EncodeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, val := range b {
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[val>>4])
		sb.WriteByte(hexDigits[val&0x0f])
	}
	return sb.String()
}

func EncodeInfoHash(infoHash [20]byte) string {
	return EncodeBytes(infoHash[:])
}

func ToQueryString(q *data.TrackerQuery) string {
	compact := 0
	if q.Compact {
		compact = 1
	}
	return fmt.Sprintf("info_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=%d",
		q.InfoHash, q.PeerId, q.Port, q.Uploaded, q.Downloaded, q.Left, compact)
}

// BuildRequestURL returns the announce URL for a fresh download: nothing
// uploaded or downloaded yet and the whole file left.
func BuildRequestURL(t *data.Torrent, clientID [20]byte, port int) (string, error) {
	baseUrl, err := url.Parse(t.Announce)
	if err != nil {
		return "", errors.Wrapf(err, "announce url %q", t.Announce)
	}
	if baseUrl.Scheme != "http" && baseUrl.Scheme != "https" {
		return "", errors.Errorf("unsupported tracker scheme %q", baseUrl.Scheme)
	}
	q := data.TrackerQuery{
		InfoHash: EncodeInfoHash(t.InfoHash),
		PeerId:   EncodeBytes(clientID[:]),
		Port:     port,
		Left:     t.Length,
		Compact:  true,
	}
	query := ToQueryString(&q)
	// some trackers hand out announce urls with a passkey already in them
	if baseUrl.RawQuery != "" {
		query = baseUrl.RawQuery + "&" + query
	}
	baseUrl.RawQuery = query
	return baseUrl.String(), nil
}
