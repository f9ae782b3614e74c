package dhtget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"golang.org/x/sync/errgroup"
)

type DiscoverySummary struct {
	TopPeers       []DiscoveredPeer
	TotalPeers     int
	NodesContacted int
	Others         OthersBucket
}

type DownloadStats struct {
	Blocks int
	Bytes  int64
}

var errUploadDisabled = errors.New("upload disabled")

// Bounds per-peer block tracking before metadata tells us the real block count.
const maxBitfieldLen = 1 << 20

// Downloads a single torrent identified by its info hash. Peers are found with the DHT, metadata
// is fetched from the first peers that have it, and blocks are then downloaded in order from one
// peer at a time.
//
// All session state is owned by a single event loop goroutine. Network goroutines post events to
// it.
type Session struct {
	infoHash metainfo.Hash
	peerID   PeerID
	config   *Config
	logger   log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan event
	closed  chansync.SetOnce
	loopEnd chansync.SetOnce
	started atomic.Bool
	state   atomic.Int32

	discovery *Future[DiscoverySummary]
	metadata  *Future[*metainfo.Info]
	complete  *Future[DownloadStats]

	// Everything below is only accessed on the event loop.
	registry      *peerRegistry
	discovered    discoveredPeers
	conns         []*peerState
	dhtServer     DhtServer
	listener      net.Listener
	metadataTimer *time.Timer
	// Set before metadata is decoded, so later deliveries are ignored.
	gotMetadata bool
	layout      *PieceLayout
	info        *metainfo.Info
	sched       *chunkScheduler
	storage     BlockStorage
	stats       DownloadStats
}

func NewSession(infoHash metainfo.Hash, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %v", cfg.ChunkSize)
	}
	s := &Session{
		infoHash:  infoHash,
		peerID:    cfg.PeerID,
		config:    cfg,
		events:    make(chan event, 64),
		discovery: newFuture[DiscoverySummary](),
		metadata:  newFuture[*metainfo.Info](),
		complete:  newFuture[DownloadStats](),
	}
	if s.peerID == (PeerID{}) {
		s.peerID = GeneratePeerID(cfg.Bep20)
	}
	s.logger = cfg.Logger.WithNames("session").WithContextText(infoHash.HexString())
	s.registry = newPeerRegistry(s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()
	return s, nil
}

func (s *Session) InfoHash() metainfo.Hash {
	return s.infoHash
}

func (s *Session) PeerID() PeerID {
	return s.peerID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Resolves with the decoded info once metadata is assembled.
func (s *Session) Metadata() *Future[*metainfo.Info] {
	return s.metadata
}

// Resolves when every block is verified, or is rejected when the download fails.
func (s *Session) Complete() *Future[DownloadStats] {
	return s.complete
}

// Starts the DHT and the peer listener, and returns the discovery summary. The summary resolves
// once the bounded peer lookup finishes, independently of metadata and download progress.
// Cancelling ctx closes the session.
func (s *Session) Start(ctx context.Context) *Future[DiscoverySummary] {
	if !s.started.CompareAndSwap(false, true) {
		return s.discovery
	}
	var (
		dhtServer DhtServer
		dhtErr    error
		listener  net.Listener
	)
	var eg errgroup.Group
	eg.Go(func() (err error) {
		if s.config.NoDHT {
			dhtErr = errors.New("dht disabled")
			return nil
		}
		newDht := s.config.NewDhtServer
		if newDht == nil {
			newDht = newAnacrolixDhtServer
		}
		dhtServer, dhtErr = newDht(s.config, s.config.Logger.WithNames("dht"))
		return nil
	})
	eg.Go(func() (err error) {
		if s.config.ListenAddr == "" {
			return nil
		}
		listener, err = net.Listen("tcp", s.config.ListenAddr)
		return
	})
	err := eg.Wait()
	if err != nil {
		if dhtServer != nil {
			dhtServer.Close()
		}
		err = fmt.Errorf("starting listener: %w", err)
		s.discovery.reject(fmt.Errorf("%w: %w", ErrDiscovery, err))
		s.do(func() { s.fail(err) })
		return s.discovery
	}
	if !s.do(func() {
		s.dhtServer = dhtServer
		s.listener = listener
		s.setState(StateDiscoveryPending)
		if d := s.config.MetadataTimeout; d > 0 && !s.gotMetadata {
			s.metadataTimer = time.AfterFunc(d, func() {
				s.post(metadataTimeoutEvent{})
			})
		}
	}) {
		if listener != nil {
			listener.Close()
		}
		if dhtServer != nil {
			dhtServer.Close()
		}
		s.discovery.reject(ErrSessionClosed)
		return s.discovery
	}
	if listener != nil {
		s.logger.Levelf(log.Info, "listening for peers on %v", listener.Addr())
		go s.acceptConns(listener)
	}
	if dhtServer != nil {
		go s.bootstrapDht(dhtServer)
	} else {
		s.post(dhtErrorEvent{err: dhtErr})
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed.Done():
		}
	}()
	return s.discovery
}

// Hands an inbound peer connection to the session.
func (s *Session) AddPeerConn(nc net.Conn) {
	s.addWireConn(nc, false)
}

func (s *Session) addWireConn(nc net.Conn, outgoing bool) {
	if s.closed.IsSet() {
		nc.Close()
		return
	}
	c := newWireConn(nc, outgoing, s.infoHash, s.config, s.post, s.config.Logger.WithNames("conn"))
	s.post(connAddedEvent{connEvent{c}})
	c.start()
}

// Records of peers that completed a handshake, in the order they were added.
func (s *Session) Peers() (ret []PeerRecord) {
	s.do(func() { ret = s.registry.Records() })
	return
}

// Every peer address the DHT returned, ranked.
func (s *Session) DiscoveredPeers() (ret []DiscoveredPeer) {
	s.do(func() { ret = s.discovered.RankTop(-1) })
	return
}

// The piece layout, once metadata is ready.
func (s *Session) Layout() (ret *PieceLayout) {
	s.do(func() { ret = s.layout })
	return
}

func (s *Session) ListenAddr() (ret net.Addr) {
	s.do(func() {
		if s.listener != nil {
			ret = s.listener.Addr()
		}
	})
	return
}

// Stops everything. Unresolved futures are rejected with ErrSessionClosed.
func (s *Session) Close() error {
	s.closed.Set()
	s.cancel()
	<-s.loopEnd.Done()
	return nil
}

func (s *Session) post(e event) {
	select {
	case s.events <- e:
	case <-s.closed.Done():
	}
}

// Runs f on the event loop and waits for it. Returns false if the session closed first.
func (s *Session) do(f func()) bool {
	done := make(chan struct{})
	s.post(funcEvent{f: func() {
		f()
		close(done)
	}})
	select {
	case <-done:
		return true
	case <-s.loopEnd.Done():
		return false
	}
}

func (s *Session) run() {
	defer s.loopEnd.Set()
	defer s.shutdown()
	for {
		select {
		case e := <-s.events:
			s.handle(e)
		case <-s.closed.Done():
			return
		}
	}
}

func (s *Session) shutdown() {
	if s.metadataTimer != nil {
		s.metadataTimer.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.dhtServer != nil {
		s.dhtServer.Close()
	}
	for _, ps := range s.conns {
		ps.conn.Close()
	}
	s.conns = nil
	if s.sched != nil {
		s.sched.close()
	}
	s.closeStorage()
	s.discovery.reject(ErrSessionClosed)
	s.metadata.reject(ErrSessionClosed)
	s.complete.reject(ErrSessionClosed)
}

func (s *Session) handle(e event) {
	switch e := e.(type) {
	case funcEvent:
		e.f()
	case connAddedEvent:
		s.onConnAdded(e.conn)
	case dhtReadyEvent:
		s.onDhtReady()
	case dhtErrorEvent:
		s.onDhtError(e.err)
	case peersFoundEvent:
		s.onPeersFound(e.DhtPeersValues)
	case lookupDoneEvent:
		s.onLookupDone(e)
	case metadataTimeoutEvent:
		s.onMetadataTimeout()
	case chunkResponseEvent:
		s.onChunkResponse(e)
	case chunkTimeoutEvent:
		s.onChunkTimeout(e.gen)
	default:
		s.handleConnEvent(e)
	}
}

func (s *Session) handleConnEvent(e event) {
	var ps *peerState
	switch e := e.(type) {
	case connClosedEvent:
		ps = s.findConn(e.conn)
		if ps != nil {
			s.removeConn(ps, e.err)
		}
		return
	case handshakeEvent:
		ps = s.findConn(e.conn)
	case bitfieldEvent:
		ps = s.findConn(e.conn)
	case haveEvent:
		ps = s.findConn(e.conn)
	case requestEvent:
		// Nothing is uploaded.
		e.respond(nil, errUploadDisabled)
		return
	case interestedEvent:
		ps = s.findConn(e.conn)
	case portEvent:
		ps = s.findConn(e.conn)
	case keepAliveEvent:
		ps = s.findConn(e.conn)
	case chokeEvent:
		ps = s.findConn(e.conn)
	case extendedHandshakeEvent:
		ps = s.findConn(e.conn)
	case metadataEvent:
		ps = s.findConn(e.conn)
	case metadataWarningEvent:
		ps = s.findConn(e.conn)
	default:
		panic(fmt.Sprintf("unhandled event %T", e))
	}
	if ps == nil {
		return
	}
	if _, ok := e.(handshakeEvent); !ok && !ps.handshaked {
		s.dropConn(ps, fmt.Errorf("%T before handshake", e))
		return
	}
	switch e := e.(type) {
	case handshakeEvent:
		s.onHandshake(ps, e)
	case bitfieldEvent:
		ps.bitfield = e.bits
	case haveEvent:
		if s.layout != nil && e.index >= s.layout.NumBlocks() || e.index >= maxBitfieldLen {
			s.dropConn(ps, fmt.Errorf("have for block %v out of range", e.index))
			return
		}
		ps.haves++
		if e.index >= len(ps.bitfield) {
			ps.bitfield = append(ps.bitfield, make([]bool, e.index+1-len(ps.bitfield))...)
		}
		ps.bitfield[e.index] = true
	case interestedEvent:
		ps.interested = e.interested
	case portEvent:
		s.onPort(ps, e.port)
	case keepAliveEvent:
		s.registry.Touch(ps.id)
	case chokeEvent:
		s.onChoke(ps, e.choking)
	case extendedHandshakeEvent:
		s.registry.SetExtensionIDs(ps.id, e.ids)
	case metadataEvent:
		s.onMetadata(ps, e.raw)
	case metadataWarningEvent:
		s.reportMetadataWarning(ps, e.reason)
	}
}

func (s *Session) findConn(c PeerConn) *peerState {
	i := slices.IndexFunc(s.conns, func(ps *peerState) bool { return ps.conn == c })
	if i == -1 {
		return nil
	}
	return s.conns[i]
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	sessionStateTransitions.WithLabelValues(st.String()).Inc()
	level := log.Info
	if st == StateVerifying || st == StateDownloading && old == StateVerifying {
		level = log.Debug
	}
	s.logger.Levelf(level, "state %v -> %v", old, st)
}

// Moves to FAILED, rejecting the metadata and completion futures if they're unresolved.
func (s *Session) fail(err error) {
	panicif.Nil(err)
	if s.State().Terminal() {
		s.logger.Levelf(log.Debug, "ignoring error after %v: %v", s.State(), err)
		return
	}
	s.logger.Levelf(log.Error, "download failed: %v", err)
	s.setState(StateFailed)
	if s.metadataTimer != nil {
		s.metadataTimer.Stop()
	}
	if s.sched != nil {
		s.sched.close()
	}
	s.closeStorage()
	s.metadata.reject(err)
	s.complete.reject(err)
}

func (s *Session) closeStorage() {
	if s.storage == nil {
		return
	}
	err := s.storage.Close()
	if err != nil {
		s.logger.Levelf(log.Warning, "closing storage: %v", err)
	}
	s.storage = nil
}

func (s *Session) extensionBits() pp.PeerExtensionBits {
	return pp.NewPeerExtensionBytes(pp.ExtensionBitDht, pp.ExtensionBitLtep)
}

func (s *Session) onConnAdded(c PeerConn) {
	ps := newPeerState(c)
	if s.State() == StateFailed {
		c.Close()
		return
	}
	s.conns = append(s.conns, ps)
	s.logger.Levelf(log.Debug, "added conn %v (outgoing=%v)", c.RemoteAddr(), c.Outgoing())
	if c.Outgoing() {
		err := c.SendHandshake(s.infoHash, s.peerID, s.extensionBits())
		if err != nil {
			s.dropConn(ps, fmt.Errorf("sending handshake: %w", err))
		}
	}
}

// Closes the connection and forgets it. Its peer record remains.
func (s *Session) dropConn(ps *peerState, err error) {
	s.logger.Levelf(log.Debug, "dropping conn %v: %v", ps, err)
	ps.conn.Close()
	s.removeConn(ps, err)
}

func (s *Session) removeConn(ps *peerState, cause error) {
	i := slices.Index(s.conns, ps)
	if i == -1 {
		return
	}
	s.conns = slices.Delete(s.conns, i, i+1)
	if cause == nil {
		cause = io.EOF
	}
	if s.sched == nil || s.State().Terminal() {
		return
	}
	err := s.sched.onSourceClosed(ps, cause)
	if err == nil {
		return
	}
	chunkRequestFailures.Inc()
	s.logger.Levelf(log.Warning, "%v", err)
	// Carry on with any other peer that's unchoking us.
	for _, other := range s.conns {
		if other.handshaked && !other.choking {
			s.onUnchoke(other)
			return
		}
	}
}

func (s *Session) onHandshake(ps *peerState, e handshakeEvent) {
	if ps.handshaked {
		s.dropConn(ps, errors.New("second handshake"))
		return
	}
	if e.infoHash != s.infoHash {
		s.dropConn(ps, fmt.Errorf("unexpected info hash %v", e.infoHash))
		return
	}
	if e.peerID == s.peerID {
		s.dropConn(ps, errors.New("connected to self"))
		return
	}
	if !ps.conn.Outgoing() {
		err := ps.conn.SendHandshake(s.infoHash, s.peerID, s.extensionBits())
		if err != nil {
			s.dropConn(ps, fmt.Errorf("sending handshake: %w", err))
			return
		}
	}
	ps.handshaked = true
	ps.id = e.peerID
	ps.ext = e.ext
	s.registry.AddPeer(e.peerID, e.ext)
	if s.State().Terminal() {
		return
	}
	err := ps.conn.SendInterested(true)
	if err != nil {
		s.dropConn(ps, fmt.Errorf("sending interested: %w", err))
		return
	}
	if s.gotMetadata {
		return
	}
	if s.State() == StateDiscoveryPending || s.State() == StateInit {
		s.setState(StateAwaitingMetadata)
	}
	if !e.ext.SupportsExtended() {
		s.reportMetadataWarning(ps, "peer doesn't support the extension protocol")
		return
	}
	err = ps.conn.FetchMetadata()
	if err != nil {
		s.reportMetadataWarning(ps, fmt.Sprintf("fetching metadata: %v", err))
	}
}

func (s *Session) reportMetadataWarning(ps *peerState, reason string) {
	metadataWarnings.Inc()
	s.logger.Levelf(log.Warning, "%v", fmt.Errorf("%w: %v: %s", ErrMetadataWarning, ps, reason))
}

func (s *Session) onPort(ps *peerState, port uint16) {
	if s.dhtServer == nil || port == 0 {
		return
	}
	addr, ok := ps.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	srv := s.dhtServer
	go srv.Ping(&net.UDPAddr{IP: addr.IP, Port: int(port)})
}

func (s *Session) onMetadataTimeout() {
	if s.gotMetadata {
		return
	}
	s.fail(fmt.Errorf("%w: no metadata after %v", ErrMetadataTimeout, s.config.MetadataTimeout))
}
