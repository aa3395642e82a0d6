package tracker

import (
	"axiomiety/go-leech/bencode"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// responses are a few KB at most, anything past this is nonsense
const maxResponseSize = 1 << 20

// QueryTrackerRaw does the GET and hands back the undecoded body.
func QueryTrackerRaw(ctx context.Context, client *http.Client, announceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building tracker request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "querying tracker")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}

func Announce(ctx context.Context, client *http.Client, announceURL string) (*Response, error) {
	body, err := QueryTrackerRaw(ctx, client, announceURL)
	if err != nil {
		return nil, err
	}
	v, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "decoding tracker response")
	}
	resp, err := ParseResponse(v)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"peers":    len(resp.Peers),
		"seeds":    resp.Complete,
		"leechers": resp.Incomplete,
		"interval": resp.Interval,
	}).Info("tracker responded")
	return resp, nil
}
