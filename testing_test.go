package dhtget

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/stretchr/testify/require"
)

// Returns the metadata dictionary as delivered by the extension protocol, and the info hash.
func rawMetadata(t testing.TB, info metainfo.Info) ([]byte, metainfo.Hash) {
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	raw, err := bencode.Marshal(map[string]bencode.Bytes{"info": infoBytes})
	require.NoError(t, err)
	return raw, metainfo.HashBytes(infoBytes)
}

// An info dictionary for a single file with the given content.
func singleFileInfo(name string, data []byte, pieceLength int64) metainfo.Info {
	info := metainfo.Info{
		Name:        name,
		Length:      int64(len(data)),
		PieceLength: pieceLength,
	}
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		h := sha1.Sum(data[off:min(off+pieceLength, int64(len(data)))])
		info.Pieces = append(info.Pieces, h[:]...)
	}
	return info
}

var errTestClosed = errors.New("test conn closed")

type fakeRequest struct {
	req     ChunkRequest
	respond func([]byte, error)
}

// A PeerConn that records what the session sends. Requests are answered by the test.
type fakeConn struct {
	addr     net.Addr
	outgoing bool

	mu         sync.Mutex
	handshakes int
	interested []bool
	haves      []int
	closed     bool

	requests      chan fakeRequest
	fetchMetadata chan struct{}
}

var _ PeerConn = (*fakeConn)(nil)

func newFakeConn(port int, outgoing bool) *fakeConn {
	return &fakeConn{
		addr:          &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		outgoing:      outgoing,
		requests:      make(chan fakeRequest, 64),
		fetchMetadata: make(chan struct{}, 1),
	}
}

func (me *fakeConn) RemoteAddr() net.Addr { return me.addr }

func (me *fakeConn) Outgoing() bool { return me.outgoing }

func (me *fakeConn) SendHandshake(metainfo.Hash, PeerID, pp.PeerExtensionBits) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.handshakes++
	return nil
}

func (me *fakeConn) SendInterested(interested bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.interested = append(me.interested, interested)
	return nil
}

func (me *fakeConn) SendHave(index int) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.haves = append(me.haves, index)
	return nil
}

func (me *fakeConn) SendRequest(r ChunkRequest, onResponse func([]byte, error)) error {
	me.requests <- fakeRequest{r, onResponse}
	return nil
}

func (me *fakeConn) FetchMetadata() error {
	select {
	case me.fetchMetadata <- struct{}{}:
	default:
	}
	return nil
}

func (me *fakeConn) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	return nil
}

func (me *fakeConn) isClosed() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.closed
}

func (me *fakeConn) sentHaves() []int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return slices.Clone(me.haves)
}

// Answers the next request from data, which holds the whole torrent.
func (me *fakeConn) serveRequest(t testing.TB, layout *PieceLayout, data []byte) ChunkRequest {
	t.Helper()
	select {
	case r := <-me.requests:
		off := layout.BlockOffset(int(r.req.Index)) + int64(r.req.Begin)
		r.respond(data[off:off+int64(r.req.Length)], nil)
		return r.req
	case <-time.After(5 * time.Second):
		t.Fatal("no request")
		panic("unreachable")
	}
}

type fakeDht struct {
	peers        []DhtPeersValues
	nodes        int
	bootstrapErr error
	pings        chan *net.UDPAddr
}

var _ DhtServer = (*fakeDht)(nil)

func (me *fakeDht) ID() (ret [20]byte) { return }

func (me *fakeDht) Addr() net.Addr { return &net.UDPAddr{} }

func (me *fakeDht) Bootstrap() error { return me.bootstrapErr }

func (me *fakeDht) Lookup([20]byte) (DhtLookup, error) {
	l := &fakeLookup{peers: make(chan DhtPeersValues, len(me.peers)), nodes: me.nodes}
	for _, pv := range me.peers {
		l.peers <- pv
	}
	close(l.peers)
	return l, nil
}

func (me *fakeDht) Ping(addr *net.UDPAddr) {
	if me.pings != nil {
		me.pings <- addr
	}
}

func (me *fakeDht) Close() {}

type fakeLookup struct {
	peers chan DhtPeersValues
	nodes int
}

func (me *fakeLookup) Peers() <-chan DhtPeersValues { return me.peers }

func (me *fakeLookup) NumContacted() int { return me.nodes }

func (me *fakeLookup) StopTraversing() {}

func (me *fakeLookup) Close() {}

type memStorage struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (me *memStorage) WriteAt(b []byte, off int64) (int, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if end := off + int64(len(b)); end > int64(len(me.data)) {
		me.data = append(me.data, make([]byte, end-int64(len(me.data)))...)
	}
	return copy(me.data[off:], b), nil
}

func (me *memStorage) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	return nil
}

// A config with no network. Tests supply the DHT and connections.
func testConfig(dht DhtServer) *Config {
	cfg := NewDefaultConfig()
	cfg.ListenAddr = ""
	cfg.Dialer = nil
	cfg.KeepAliveTimeout = 0
	cfg.Logger = log.Default.WithNames("test")
	if dht == nil {
		cfg.NoDHT = true
	} else {
		cfg.NewDhtServer = func(*Config, log.Logger) (DhtServer, error) {
			return dht, nil
		}
	}
	return cfg
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}
