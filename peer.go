package dhtget

import (
	"fmt"
	"net"

	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// A chunk of a block, as requested over the wire.
type ChunkRequest struct {
	Index, Begin, Length pp.Integer
}

func (me ChunkRequest) String() string {
	return fmt.Sprintf("block %v [%v, %v)", me.Index, me.Begin, me.Begin+me.Length)
}

// The wire protocol for one connected peer. Incoming messages are delivered to the session as
// events; these are the operations the session performs on it.
type PeerConn interface {
	RemoteAddr() net.Addr
	// Whether we initiated the connection, in which case our handshake goes first.
	Outgoing() bool
	SendHandshake(infoHash metainfo.Hash, peerID PeerID, ext pp.PeerExtensionBits) error
	SendInterested(interested bool) error
	SendHave(index int) error
	// onResponse is called once with the chunk data or an error. It may not be called if the peer
	// chokes us first.
	SendRequest(r ChunkRequest, onResponse func([]byte, error)) error
	// Starts fetching metadata with the extension protocol. The outcome is delivered as a
	// metadata or warning event.
	FetchMetadata() error
	Close() error
}

// What the session knows about a connection.
type peerState struct {
	conn PeerConn
	// Set once the handshake is exchanged.
	id         PeerID
	handshaked bool
	ext        pp.PeerExtensionBits
	// Last observed from the peer. Peers start out choking.
	choking    bool
	interested bool
	// Count of have messages, and the bitfield if one was sent.
	haves    int
	bitfield []bool
}

func newPeerState(conn PeerConn) *peerState {
	return &peerState{
		conn:    conn,
		choking: true,
	}
}

func (me *peerState) String() string {
	if me.handshaked {
		return fmt.Sprintf("%v (%v)", me.conn.RemoteAddr(), me.id)
	}
	return me.conn.RemoteAddr().String()
}

// Whether the peer has advertised the block. Unknown counts as yes.
func (me *peerState) mayHave(index int) bool {
	if me.bitfield == nil {
		return true
	}
	return index < len(me.bitfield) && me.bitfield[index]
}
