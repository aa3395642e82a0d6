package main

import (
	"axiomiety/go-leech/bencode"
	"axiomiety/go-leech/common"
	"axiomiety/go-leech/data"
	"axiomiety/go-leech/peer"
	"axiomiety/go-leech/storage"
	"axiomiety/go-leech/torrent"
	"axiomiety/go-leech/tracker"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func readInput(file string) []byte {
	var contents []byte
	var err error
	if file == "-" {
		contents, err = io.ReadAll(os.Stdin)
	} else {
		contents, err = os.ReadFile(file)
	}
	common.Check(err)
	return contents
}

func loadTorrent(file string) *data.Torrent {
	t, err := torrent.Parse(readInput(file))
	common.Check(err)
	return t
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <bencode|infohash|create|tracker|serve|download> [flags]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	bencodeCmd := flag.NewFlagSet("bencode", flag.ExitOnError)
	bencodeDecode := bencodeCmd.String("decode", "-", "decode file/stdin")

	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	createOutputFile := createCmd.String("out", "", "where to write the .torrent")
	createAnnounce := createCmd.String("announce", "", "tracker URL")
	createName := createCmd.String("name", "", "info.name, defaults to the file name")
	createPieceLength := createCmd.Int("pieceLength", 262144, "length of each piece")

	infoHashCmd := flag.NewFlagSet("infohash", flag.ExitOnError)
	infoHashFile := infoHashCmd.String("file", "-", "file/stdin")

	trackerCmd := flag.NewFlagSet("tracker", flag.ExitOnError)
	trackerTorrentFile := trackerCmd.String("torrent", "-", "file/stdin")
	trackerPort := trackerCmd.Int("port", 6881, "port to announce")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveDirectory := serveCmd.String("dir", ".", "directory of .torrent files to track")
	servePort := serveCmd.Int("port", 8080, "port to listen on")
	serveInterval := serveCmd.Int64("interval", 60, "announce interval handed to clients, in seconds")

	downloadCmd := flag.NewFlagSet("download", flag.ExitOnError)
	downloadTorrentFile := downloadCmd.String("torrent", "-", "file/stdin")
	downloadOutput := downloadCmd.String("out", "", "output file, defaults to info.name")
	downloadPort := downloadCmd.Int("port", 6881, "port to announce")
	downloadPeers := downloadCmd.Int("peers", 5, "max concurrent peer connections")
	downloadBacklog := downloadCmd.Int("backlog", 5, "outstanding block requests per peer")
	downloadAttempts := downloadCmd.Int("attempts", 5, "attempts per piece before giving up")
	downloadDialRate := downloadCmd.Float64("dialRate", 10, "new connections per second, 0 for no limit")
	downloadBatch := downloadCmd.Int("batch", 4, "verified pieces buffered before a flush")
	downloadTimeout := downloadCmd.Duration("timeout", 2*time.Minute, "max wait for a single peer message")
	downloadPieceTimeout := downloadCmd.Duration("pieceTimeout", 3*time.Minute, "max time for one piece from one peer")
	logLevel := downloadCmd.String("log", "info", "log level")
	logJSON := downloadCmd.Bool("json", false, "log as JSON")

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "bencode":
		bencodeCmd.Parse(os.Args[2:])
		obj, err := bencode.Unmarshal(readInput(*bencodeDecode))
		common.Check(err)
		b, err := json.MarshalIndent(obj.ToAny(), "", "  ")
		common.Check(err)
		fmt.Printf("%s\n", string(b))
	case "create":
		createCmd.Parse(os.Args[2:])
		if createCmd.NArg() != 1 || *createOutputFile == "" {
			fmt.Fprintln(os.Stderr, "create needs -out and exactly one file")
			os.Exit(2)
		}
		common.Check(torrent.CreateTorrent(*createOutputFile, *createAnnounce, *createName, *createPieceLength, createCmd.Arg(0)))
	case "infohash":
		infoHashCmd.Parse(os.Args[2:])
		t := loadTorrent(*infoHashFile)
		fmt.Printf("hex: %x\nurl: %s\n", t.InfoHash, tracker.EncodeInfoHash(t.InfoHash))
	case "tracker":
		trackerCmd.Parse(os.Args[2:])
		t := loadTorrent(*trackerTorrentFile)
		url, err := tracker.BuildRequestURL(t, common.NewPeerID(), *trackerPort)
		common.Check(err)
		resp, err := tracker.QueryTrackerRaw(context.Background(), http.DefaultClient, url)
		common.Check(err)
		raw, err := bencode.Unmarshal(resp)
		common.Check(err)
		b, err := json.MarshalIndent(raw.ToAny(), "", "  ")
		common.Check(err)
		fmt.Printf("%s\n", string(b))
	case "serve":
		serveCmd.Parse(os.Args[2:])
		server := tracker.TrackerServer{
			Directory: *serveDirectory,
			Port:      int32(*servePort),
			Cache:     tracker.NewTrackerCache(*serveInterval),
		}
		common.Check(server.Serve())
	case "download":
		downloadCmd.Parse(os.Args[2:])
		common.Check(common.SetupLogging(*logLevel, *logJSON))

		cfg := peer.DefaultConfig()
		cfg.ListenPort = *downloadPort
		cfg.MaxPeers = *downloadPeers
		cfg.Backlog = *downloadBacklog
		cfg.MaxPieceAttempts = *downloadAttempts
		cfg.DialRate = *downloadDialRate
		cfg.BatchSize = *downloadBatch
		cfg.MessageTimeout = *downloadTimeout
		cfg.PieceTimeout = *downloadPieceTimeout

		t := loadTorrent(*downloadTorrentFile)
		output, err := outputPath(t, *downloadOutput)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			downloadCmd.Usage()
			os.Exit(2)
		}
		if err := download(t, output, cfg); err != nil {
			log.WithError(err).Fatal("download failed")
		}
	default:
		usage()
	}
}

// outputPath is -out, or failing that the name the torrent suggests.
func outputPath(t *data.Torrent, out string) (string, error) {
	if out != "" {
		return out, nil
	}
	if t.Name == "" {
		return "", errors.New("the torrent has no name, pass -out")
	}
	return t.Name, nil
}

func download(t *data.Torrent, output string, cfg peer.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	url, err := tracker.BuildRequestURL(t, cfg.PeerId, cfg.ListenPort)
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(ctx, http.DefaultClient, url)
	if err != nil {
		return err
	}

	store, err := storage.Open(output, t.PieceLength, t.Length)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := peer.NewPeerManager(t, resp.Peers, store, cfg)
	if err := manager.Run(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"file":   output,
		"pieces": t.NumPieces(),
	}).Info("download complete")
	return nil
}
