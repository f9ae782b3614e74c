package dhtget

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/pkg/errors"
)

const (
	handshakeLen = len(pp.Protocol) + 8 + 20 + 20
	// Large enough for a 16KiB piece and any sane extended message.
	maxMessageLength = 256 * 1024
	// Keep-alives should arrive every 2 minutes. Give some grace.
	readTimeout = 150 * time.Second
)

// Wraps a raw connection so every read gets a fresh deadline.
type deadlineReader struct {
	nc net.Conn
	r  io.Reader
}

func (r deadlineReader) Read(b []byte) (int, error) {
	err := r.nc.SetReadDeadline(time.Now().Add(readTimeout))
	if err != nil {
		return 0, fmt.Errorf("error setting read deadline: %s", err)
	}
	return r.r.Read(b)
}

// The BitTorrent wire protocol over a net.Conn. Decoded messages are posted to the session as
// events.
type wireConn struct {
	nc       net.Conn
	outgoing bool
	infoHash metainfo.Hash
	config   *Config
	post     func(event)
	logger   log.Logger
	closed   chansync.SetOnce
	writer   *peerConnMsgWriter

	mu sync.Mutex
	// Callbacks for our outstanding requests.
	pending map[ChunkRequest]func([]byte, error)
	meta    metadataFetch
}

var _ PeerConn = (*wireConn)(nil)

func newWireConn(
	nc net.Conn,
	outgoing bool,
	infoHash metainfo.Hash,
	config *Config,
	post func(event),
	logger log.Logger,
) *wireConn {
	c := &wireConn{
		nc:       nc,
		outgoing: outgoing,
		infoHash: infoHash,
		config:   config,
		post:     post,
		logger:   logger.WithContextText(nc.RemoteAddr().String()),
		pending:  make(map[ChunkRequest]func([]byte, error)),
	}
	c.writer = newPeerConnMsgWriter(nc, &c.closed)
	return c
}

func (c *wireConn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *wireConn) writeLoop() {
	err := c.writer.run(c.config.KeepAliveTimeout)
	if err != nil && !c.closed.IsSet() {
		c.logger.Levelf(log.Debug, "error writing: %v", err)
	}
	c.Close()
}

func (c *wireConn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *wireConn) Outgoing() bool {
	return c.outgoing
}

func (c *wireConn) Close() error {
	if c.closed.Set() {
		return c.nc.Close()
	}
	return nil
}

// Queues b for the writer. A peer that doesn't drain what we send is disconnected.
func (c *wireConn) write(b []byte) error {
	err := c.writer.write(b)
	if errors.Is(err, errWriteBufferFull) {
		c.logger.Levelf(log.Debug, "closing: %v", err)
		c.Close()
	}
	return err
}

func (c *wireConn) writeMessage(msg pp.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "marshalling %v message", msg.Type)
	}
	return c.write(b)
}

func (c *wireConn) SendHandshake(infoHash metainfo.Hash, peerID PeerID, ext pp.PeerExtensionBits) error {
	b := make([]byte, 0, handshakeLen)
	b = append(b, pp.Protocol...)
	b = append(b, ext[:]...)
	b = append(b, infoHash[:]...)
	b = append(b, peerID[:]...)
	return c.write(b)
}

func (c *wireConn) SendInterested(interested bool) error {
	msg := pp.Message{Type: pp.NotInterested}
	if interested {
		msg.Type = pp.Interested
	}
	return c.writeMessage(msg)
}

func (c *wireConn) SendHave(index int) error {
	return c.writeMessage(pp.Message{
		Type:  pp.Have,
		Index: pp.Integer(index),
	})
}

func (c *wireConn) SendRequest(r ChunkRequest, onResponse func([]byte, error)) error {
	c.mu.Lock()
	if _, ok := c.pending[r]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%v already requested", r)
	}
	c.pending[r] = onResponse
	c.mu.Unlock()
	err := c.writeMessage(pp.Message{
		Type:   pp.Request,
		Index:  r.Index,
		Begin:  r.Begin,
		Length: r.Length,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, r)
		c.mu.Unlock()
	}
	return err
}

func (c *wireConn) readLoop() {
	err := c.mainReadLoop()
	c.Close()
	if err != nil {
		c.logger.Levelf(log.Debug, "read loop ended: %v", err)
	}
	// The session learns of the close before any failed responses, so it can tell them apart
	// from request errors on a live connection.
	c.post(connClosedEvent{connEvent{c}, err})
	c.failPending(err)
}

// Fails all outstanding requests.
func (c *wireConn) failPending(err error) {
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[ChunkRequest]func([]byte, error))
	c.mu.Unlock()
	for _, f := range pending {
		f(nil, err)
	}
}

// The peer discards our requests when it chokes us.
func (c *wireConn) dropPending() {
	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()
}

type handshakeResult struct {
	ext      pp.PeerExtensionBits
	infoHash metainfo.Hash
	peerID   PeerID
}

func (c *wireConn) readHandshake() (res handshakeResult, err error) {
	if d := c.config.HandshakeTimeout; d > 0 {
		c.nc.SetReadDeadline(time.Now().Add(d))
		defer c.nc.SetReadDeadline(time.Time{})
	}
	b := make([]byte, handshakeLen)
	_, err = io.ReadFull(c.nc, b)
	if err != nil {
		return
	}
	p := b[:len(pp.Protocol)]
	if string(p) != pp.Protocol {
		return res, fmt.Errorf("unexpected protocol string %q", string(p))
	}
	b = b[len(p):]
	b = b[copy(res.ext[:], b):]
	b = b[copy(res.infoHash[:], b):]
	copy(res.peerID[:], b)
	return
}

func (c *wireConn) mainReadLoop() error {
	hs, err := c.readHandshake()
	if err != nil {
		return errors.Wrap(err, "reading handshake")
	}
	c.post(handshakeEvent{
		connEvent: connEvent{c},
		infoHash:  hs.infoHash,
		peerID:    hs.peerID,
		ext:       hs.ext,
	})
	decoder := pp.Decoder{
		R:         bufio.NewReaderSize(deadlineReader{c.nc, c.nc}, 1<<17),
		MaxLength: maxMessageLength,
	}
	for {
		var msg pp.Message
		err := decoder.Decode(&msg)
		if err != nil {
			if c.closed.IsSet() {
				return nil
			}
			return err
		}
		if msg.Keepalive {
			c.post(keepAliveEvent{connEvent{c}})
			continue
		}
		err = c.handleMessage(msg)
		if err != nil {
			return errors.Wrapf(err, "handling %v message", msg.Type)
		}
	}
}

func (c *wireConn) handleMessage(msg pp.Message) error {
	ce := connEvent{c}
	switch msg.Type {
	case pp.Choke:
		c.dropPending()
		c.post(chokeEvent{ce, true})
	case pp.Unchoke:
		c.post(chokeEvent{ce, false})
	case pp.Interested:
		c.post(interestedEvent{ce, true})
	case pp.NotInterested:
		c.post(interestedEvent{ce, false})
	case pp.Have:
		c.post(haveEvent{ce, int(msg.Index)})
	case pp.Bitfield:
		c.post(bitfieldEvent{ce, msg.Bitfield})
	case pp.Request:
		req := ChunkRequest{msg.Index, msg.Begin, msg.Length}
		c.post(requestEvent{ce, req, c.respondFunc(req)})
	case pp.Cancel:
	case pp.Piece:
		c.onPiece(msg)
	case pp.Port:
		c.post(portEvent{ce, msg.Port})
	case pp.Extended:
		return c.onReadExtendedMsg(msg.ExtendedID, msg.ExtendedPayload)
	default:
		c.logger.Levelf(log.Debug, "ignoring message type %v", msg.Type)
	}
	return nil
}

func (c *wireConn) onPiece(msg pp.Message) {
	req := ChunkRequest{msg.Index, msg.Begin, pp.Integer(len(msg.Piece))}
	c.mu.Lock()
	f, ok := c.pending[req]
	delete(c.pending, req)
	c.mu.Unlock()
	if !ok {
		c.logger.Levelf(log.Debug, "received unrequested %v", req)
		return
	}
	f(msg.Piece, nil)
}

// Sends the data for a peer's request, or nothing if the request is declined.
func (c *wireConn) respondFunc(req ChunkRequest) func([]byte, error) {
	return func(b []byte, err error) {
		if err != nil {
			c.logger.Levelf(log.Debug, "declined request for %v: %v", req, err)
			return
		}
		err = c.writeMessage(pp.Message{
			Type:  pp.Piece,
			Index: req.Index,
			Begin: req.Begin,
			Piece: b,
		})
		if err != nil {
			c.logger.Levelf(log.Debug, "responding to %v: %v", req, err)
		}
	}
}
