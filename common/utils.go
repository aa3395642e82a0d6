package common

import (
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ClientPrefix is the Azureus-style tag at the front of our peer ids.
const ClientPrefix = "-GL0100-"

func Check(err error) {
	if err != nil {
		panic(err)
	}
}

// NewPeerID returns the client prefix followed by 12 random bytes.
func NewPeerID() [20]byte {
	var peerId [20]byte
	copy(peerId[:], ClientPrefix)
	random := uuid.New()
	copy(peerId[len(ClientPrefix):], random[:])
	return peerId
}

func SetupLogging(level string, json bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
