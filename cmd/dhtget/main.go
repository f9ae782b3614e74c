// Downloads a torrent given only its info hash, finding peers with the DHT and fetching metadata
// from them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/dhtget"
	"github.com/anacrolix/dhtget/storage"
)

func main() {
	code := mainErr()
	if code != 0 {
		os.Exit(code)
	}
}

func parseInfoHash(s string) (ih metainfo.Hash, err error) {
	if strings.HasPrefix(s, "magnet:") {
		m, err := metainfo.ParseMagnetUri(s)
		if err != nil {
			return ih, err
		}
		return m.InfoHash, nil
	}
	err = ih.FromHexString(s)
	return
}

func mainErr() int {
	flags := struct {
		Addr            string        `help:"TCP address to accept peer connections on"`
		DhtAddr         string        `help:"UDP address for the DHT"`
		OutputDir       string        `help:"where to write downloaded files"`
		Debug           bool          `help:"log debug messages"`
		MetadataTimeout time.Duration `help:"give up if no peer supplies metadata in this time"`
		ChunkTimeout    time.Duration
		LookupTimeout   time.Duration
		Dial            int    `help:"number of top ranked discovered peers to dial"`
		MetricsAddr     string `help:"serve prometheus metrics on this address"`
		tagflag.StartPos
		Torrent string `help:"info hash in hex, or a magnet link"`
	}{
		Addr:            ":0",
		DhtAddr:         ":0",
		OutputDir:       ".",
		MetadataTimeout: 10 * time.Minute,
		ChunkTimeout:    30 * time.Second,
		LookupTimeout:   2 * time.Minute,
		Dial:            8,
	}
	tagflag.Parse(&flags)
	defer envpprof.Stop()
	logger := log.Default
	if !flags.Debug {
		logger = logger.FilterLevel(log.Info)
	}
	ih, err := parseInfoHash(flags.Torrent)
	if err != nil {
		logger.Levelf(log.Error, "parsing %q: %v", flags.Torrent, err)
		return 2
	}
	if flags.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(flags.MetricsAddr, nil)
			logger.Levelf(log.Error, "serving metrics: %v", err)
		}()
	}

	cfg := dhtget.NewDefaultConfig()
	cfg.Logger = logger.WithNames("dhtget")
	cfg.ListenAddr = flags.Addr
	cfg.DhtListenAddr = flags.DhtAddr
	cfg.MetadataTimeout = flags.MetadataTimeout
	cfg.ChunkTimeout = flags.ChunkTimeout
	cfg.LookupTimeout = flags.LookupTimeout
	cfg.DialDiscoveredPeers = flags.Dial
	cfg.OpenStorage = func(info *metainfo.Info) (dhtget.BlockStorage, error) {
		f, err := storage.OpenFile(flags.OutputDir, info)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	s, err := dhtget.NewSession(ih, cfg)
	if err != nil {
		logger.Levelf(log.Error, "creating session: %v", err)
		return 1
	}
	defer s.Close()
	fmt.Printf("fetching %v as %v\n", ih.HexString(), s.PeerID())
	discovery := s.Start(ctx)

	go func() {
		summary, err := discovery.Wait(ctx)
		if err != nil {
			if !errors.Is(err, dhtget.ErrSessionClosed) {
				logger.Levelf(log.Warning, "discovery: %v", err)
			}
			return
		}
		fmt.Printf("found %d peers from %d nodes\n", summary.TotalPeers, summary.NodesContacted)
		for _, p := range summary.TopPeers {
			fmt.Printf("  %v (%d refs)\n", p.Addr, p.NodeRefs)
		}
		if summary.Others.Peers != 0 {
			fmt.Printf("  and %d others (%d refs)\n", summary.Others.Peers, summary.Others.NodeRefs)
		}
	}()
	go func() {
		info, err := s.Metadata().Wait(ctx)
		if err != nil {
			return
		}
		fmt.Printf("%q: %v\n", info.BestName(), humanize.IBytes(uint64(info.TotalLength())))
		if flags.Debug {
			spew.Fdump(os.Stderr, info)
		}
	}()

	stats, err := s.Complete().Wait(ctx)
	if err != nil {
		logger.Levelf(log.Error, "download failed in state %v: %v", s.State(), err)
		return 1
	}
	fmt.Printf("downloaded %d blocks, %v\n", stats.Blocks, humanize.IBytes(uint64(stats.Bytes)))
	return 0
}
