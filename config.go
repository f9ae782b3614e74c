package dhtget

import (
	"io"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/time/rate"
)

// Where verified blocks are written, at their offset in the torrent.
type BlockStorage interface {
	io.WriterAt
	io.Closer
}

type ConfigDht struct {
	// Don't start a DHT server. The discovery summary is rejected.
	NoDHT bool
	// UDP address for the DHT server.
	DhtListenAddr string
	// Called for the anacrolix/dht server config before the server is created.
	ConfigureAnacrolixDhtServer func(*dht.ServerConfig)
	// Replaces the default anacrolix/dht server, mainly for tests.
	NewDhtServer func(cfg *Config, logger log.Logger) (DhtServer, error)
	// Bounds the peer lookup. The summary resolves with whatever was found when this expires.
	LookupTimeout time.Duration
}

// Probably not safe to modify this after it's given to a Session.
type Config struct {
	ConfigDht

	// TCP address for inbound peer connections. Empty disables the listener.
	ListenAddr string
	// Generated with Bep20 as the prefix if zero.
	PeerID PeerID
	Bep20  string
	// Sent in the extended handshake "v" field.
	ExtendedHandshakeClientVersion string

	// Length of chunk requests. The final chunk of a block may be shorter.
	ChunkSize int64
	// How long to wait for metadata after the session starts. Zero waits forever.
	MetadataTimeout time.Duration
	// How long to wait for each chunk response.
	ChunkTimeout     time.Duration
	HandshakeTimeout time.Duration
	// A keep-alive is sent when nothing else was written for this long.
	KeepAliveTimeout time.Duration

	// The number of top ranked discovered peers to dial once the lookup completes.
	DialDiscoveredPeers int
	DialRateLimiter     *rate.Limiter
	AcceptRateLimiter   *rate.Limiter
	Dialer              Dialer

	// How many top peers go in the discovery summary, and how many are logged.
	SummaryTopPeers int
	ReportPeers     int

	// Opens storage for verified blocks once metadata is known. Nil discards data after
	// verification.
	OpenStorage func(info *metainfo.Info) (BlockStorage, error)

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		ConfigDht: ConfigDht{
			DhtListenAddr: ":0",
			LookupTimeout: 2 * time.Minute,
		},
		ListenAddr:                     ":0",
		Bep20:                          DefaultBep20Prefix,
		ExtendedHandshakeClientVersion: "dhtget 0.1",
		ChunkSize:                      16 << 10,
		ChunkTimeout:                   30 * time.Second,
		HandshakeTimeout:               4 * time.Second,
		KeepAliveTimeout:               time.Minute,
		DialDiscoveredPeers:            8,
		DialRateLimiter:                rate.NewLimiter(10, 10),
		AcceptRateLimiter:              rate.NewLimiter(rate.Inf, 0),
		Dialer:                         NetDialer{Network: "tcp", Timeout: 20 * time.Second},
		SummaryTopPeers:                3,
		ReportPeers:                    50,
		Logger:                         log.Default.WithNames("dhtget"),
	}
}
