package dhtget

import (
	"fmt"
	"net"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
)

// The discovery network as the session uses it.
type DhtServer interface {
	ID() [20]byte
	Addr() net.Addr
	// Returns when the routing table is populated enough to look things up.
	Bootstrap() error
	// Starts a get_peers traversal for the info hash. Nothing is announced.
	Lookup(infoHash [20]byte) (DhtLookup, error)
	Ping(addr *net.UDPAddr)
	Close()
}

type DhtLookup interface {
	// Closed when the traversal finishes.
	Peers() <-chan DhtPeersValues
	NumContacted() int
	StopTraversing()
	Close()
}

// Peer addresses returned by one DHT node.
type DhtPeersValues struct {
	Peers []string
	From  string
}

type anacrolixDhtServerWrapper struct {
	*dht.Server
}

func newAnacrolixDhtServer(cfg *Config, logger log.Logger) (DhtServer, error) {
	conn, err := net.ListenPacket("udp", cfg.DhtListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for dht: %w", err)
	}
	sc := dht.NewDefaultServerConfig()
	sc.Conn = conn
	sc.Logger = logger
	if cfg.ConfigureAnacrolixDhtServer != nil {
		cfg.ConfigureAnacrolixDhtServer(sc)
	}
	s, err := dht.NewServer(sc)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return anacrolixDhtServerWrapper{s}, nil
}

func (me anacrolixDhtServerWrapper) Bootstrap() error {
	_, err := me.Server.Bootstrap()
	return err
}

func (me anacrolixDhtServerWrapper) Lookup(infoHash [20]byte) (DhtLookup, error) {
	a, err := me.Server.AnnounceTraversal(infoHash)
	if err != nil {
		return nil, err
	}
	ret := &anacrolixDhtLookupWrapper{Announce: a, peers: make(chan DhtPeersValues)}
	go ret.convertPeers()
	return ret, nil
}

func (me anacrolixDhtServerWrapper) Ping(addr *net.UDPAddr) {
	me.Server.Ping(addr)
}

type anacrolixDhtLookupWrapper struct {
	*dht.Announce
	peers  chan DhtPeersValues
	closed chansync.SetOnce
}

func (me *anacrolixDhtLookupWrapper) convertPeers() {
	defer close(me.peers)
	for pv := range me.Announce.Peers {
		out := DhtPeersValues{From: pv.NodeInfo.Addr.String()}
		for _, p := range pv.Peers {
			out.Peers = append(out.Peers, p.String())
		}
		select {
		case me.peers <- out:
		case <-me.closed.Done():
			return
		}
	}
}

func (me *anacrolixDhtLookupWrapper) Close() {
	me.closed.Set()
	me.Announce.Close()
}

func (me *anacrolixDhtLookupWrapper) Peers() <-chan DhtPeersValues {
	return me.peers
}

func (me *anacrolixDhtLookupWrapper) NumContacted() int {
	return int(me.Announce.NumContacted())
}

var _ DhtServer = anacrolixDhtServerWrapper{}
