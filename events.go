package dhtget

import (
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// Everything that happens to a session arrives as one of these, and is handled on the session's
// event loop.
type event interface {
	isEvent()
}

type connEvent struct {
	conn PeerConn
}

func (connEvent) isEvent() {}

type (
	// A connection was established, but no handshake was exchanged yet.
	connAddedEvent struct{ connEvent }
	connClosedEvent struct {
		connEvent
		err error
	}
	handshakeEvent struct {
		connEvent
		infoHash metainfo.Hash
		peerID   PeerID
		ext      pp.PeerExtensionBits
	}
	bitfieldEvent struct {
		connEvent
		bits []bool
	}
	haveEvent struct {
		connEvent
		index int
	}
	// The peer wants data from us.
	requestEvent struct {
		connEvent
		req     ChunkRequest
		respond func([]byte, error)
	}
	interestedEvent struct {
		connEvent
		interested bool
	}
	portEvent struct {
		connEvent
		port uint16
	}
	keepAliveEvent struct{ connEvent }
	chokeEvent     struct {
		connEvent
		choking bool
	}
	extendedHandshakeEvent struct {
		connEvent
		ids map[pp.ExtensionName]pp.ExtensionNumber
	}
	metadataEvent struct {
		connEvent
		raw []byte
	}
	metadataWarningEvent struct {
		connEvent
		reason string
	}
)

type sessionEvent struct{}

func (sessionEvent) isEvent() {}

type (
	chunkResponseEvent struct {
		sessionEvent
		gen  int
		req  ChunkRequest
		data []byte
		err  error
	}
	chunkTimeoutEvent struct {
		sessionEvent
		gen int
	}
	metadataTimeoutEvent struct{ sessionEvent }
	dhtReadyEvent        struct{ sessionEvent }
	dhtErrorEvent        struct {
		sessionEvent
		err error
	}
	peersFoundEvent struct {
		sessionEvent
		DhtPeersValues
	}
	lookupDoneEvent struct {
		sessionEvent
		nodesContacted int
		err            error
	}
	// Runs a func on the event loop.
	funcEvent struct {
		sessionEvent
		f func()
	}
)
