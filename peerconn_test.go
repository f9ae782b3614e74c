package dhtget

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The far end of a wireConn, driven by the test.
type scriptedPeer struct {
	t       *testing.T
	nc      net.Conn
	decoder pp.Decoder
}

func (me *scriptedPeer) writeMsg(msg pp.Message) {
	b, err := msg.MarshalBinary()
	require.NoError(me.t, err)
	_, err = me.nc.Write(b)
	require.NoError(me.t, err)
}

func (me *scriptedPeer) readMsg() (msg pp.Message) {
	require.NoError(me.t, me.decoder.Decode(&msg))
	return
}

func handshakeBytes(ih metainfo.Hash, id PeerID, ext pp.PeerExtensionBits) []byte {
	b := []byte(pp.Protocol)
	b = append(b, ext[:]...)
	b = append(b, ih[:]...)
	return append(b, id[:]...)
}

type wireConnTest struct {
	wc     *wireConn
	remote *scriptedPeer
	events chan event
}

func newWireConnTest(t *testing.T, ih metainfo.Hash) *wireConnTest {
	local, remote := net.Pipe()
	cfg := NewDefaultConfig()
	cfg.KeepAliveTimeout = 0
	events := make(chan event, 64)
	wc := newWireConn(local, true, ih, cfg, func(e event) { events <- e }, log.Default)
	t.Cleanup(func() {
		wc.Close()
		remote.Close()
	})
	wc.start()
	return &wireConnTest{
		wc: wc,
		remote: &scriptedPeer{
			t:  t,
			nc: remote,
			decoder: pp.Decoder{
				R:         bufio.NewReader(remote),
				MaxLength: 1 << 20,
			},
		},
		events: events,
	}
}

func (me *wireConnTest) nextEvent(t *testing.T) event {
	t.Helper()
	select {
	case e := <-me.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		panic("unreachable")
	}
}

// Sends the remote handshake and consumes the local one.
func (me *wireConnTest) handshake(t *testing.T, ih metainfo.Hash, ext pp.PeerExtensionBits) handshakeEvent {
	remoteID := GeneratePeerID("-RM0001-")
	errc := make(chan error, 1)
	go func() {
		errc <- me.wc.SendHandshake(ih, GeneratePeerID(DefaultBep20Prefix), ext)
	}()
	b := make([]byte, handshakeLen)
	_, err := io.ReadFull(me.remote.nc, b)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, pp.Protocol, string(b[:len(pp.Protocol)]))
	_, err = me.remote.nc.Write(handshakeBytes(ih, remoteID, ext))
	require.NoError(t, err)
	hs := me.nextEvent(t).(handshakeEvent)
	assert.Equal(t, remoteID, hs.peerID)
	assert.Equal(t, ih, hs.infoHash)
	return hs
}

func TestWireConnRequestPiece(t *testing.T) {
	var ih metainfo.Hash
	ih[0] = 1
	ct := newWireConnTest(t, ih)
	ct.handshake(t, ih, pp.NewPeerExtensionBytes(pp.ExtensionBitLtep))

	go ct.wc.SendInterested(true)
	assert.Equal(t, pp.Interested, ct.remote.readMsg().Type)

	ct.remote.writeMsg(pp.Message{Type: pp.Unchoke})
	assert.False(t, ct.nextEvent(t).(chokeEvent).choking)

	req := ChunkRequest{Index: 2, Begin: 16384, Length: 5}
	got := make(chan []byte, 1)
	go ct.wc.SendRequest(req, func(b []byte, err error) {
		assert.NoError(t, err)
		got <- b
	})
	msg := ct.remote.readMsg()
	assert.Equal(t, pp.Request, msg.Type)
	assert.Equal(t, req, ChunkRequest{msg.Index, msg.Begin, msg.Length})
	// Unrequested pieces are dropped.
	ct.remote.writeMsg(pp.Message{Type: pp.Piece, Index: 3, Begin: 0, Piece: []byte("nope!")})
	ct.remote.writeMsg(pp.Message{Type: pp.Piece, Index: 2, Begin: 16384, Piece: []byte("hello")})
	select {
	case b := <-got:
		assert.Equal(t, "hello", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}

	ct.remote.writeMsg(pp.Message{Type: pp.Have, Index: 7})
	assert.Equal(t, 7, ct.nextEvent(t).(haveEvent).index)
	ct.remote.writeMsg(pp.Message{Type: pp.Port, Port: 6881})
	assert.EqualValues(t, 6881, ct.nextEvent(t).(portEvent).port)
}

func TestWireConnClosedFailsPending(t *testing.T) {
	var ih metainfo.Hash
	ct := newWireConnTest(t, ih)
	ct.handshake(t, ih, pp.PeerExtensionBits{})
	errc := make(chan error, 1)
	go ct.wc.SendRequest(ChunkRequest{Length: 1}, func(b []byte, err error) {
		errc <- err
	})
	ct.remote.readMsg()
	ct.remote.nc.Close()
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed")
	}
	_, ok := ct.nextEvent(t).(connClosedEvent)
	assert.True(t, ok)
}

func TestWireConnBadProtocol(t *testing.T) {
	var ih metainfo.Hash
	ct := newWireConnTest(t, ih)
	b := make([]byte, handshakeLen)
	copy(b, "\x13NotTorrent protocol")
	go ct.remote.nc.Write(b)
	e := ct.nextEvent(t).(connClosedEvent)
	assert.ErrorContains(t, e.err, "protocol")
}

func TestWireConnClosesPeerThatDoesntRead(t *testing.T) {
	var ih metainfo.Hash
	ct := newWireConnTest(t, ih)
	sendErr := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := ct.wc.SendHave(i); err != nil {
				sendErr <- err
				return
			}
		}
	}()
	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, errWriteBufferFull)
	case <-time.After(10 * time.Second):
		t.Fatal("send blocked on a peer that doesn't read")
	}
	for {
		if _, ok := ct.nextEvent(t).(connClosedEvent); ok {
			break
		}
	}
	assert.True(t, ct.wc.closed.IsSet())
}
