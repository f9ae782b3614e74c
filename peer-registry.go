package dhtget

import (
	"maps"
	"slices"
	"time"

	"github.com/anacrolix/log"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// A peer that completed a handshake with us.
type PeerRecord struct {
	ID         PeerID
	Extensions pp.PeerExtensionBits
	// LTEP extension names to the peer's message IDs, once its extended handshake arrives.
	ExtensionIDs map[pp.ExtensionName]pp.ExtensionNumber
	Added        time.Time
	LastUpdate   time.Time
}

// Tracks connected peers by ID. Records are never removed for the life of the session. Owned by
// the session event loop.
type peerRegistry struct {
	peers  map[PeerID]*PeerRecord
	order  []PeerID
	logger log.Logger
	now    func() time.Time
}

func newPeerRegistry(logger log.Logger) *peerRegistry {
	return &peerRegistry{
		peers:  make(map[PeerID]*PeerRecord),
		logger: logger,
		now:    time.Now,
	}
}

// Inserts a record for id if there isn't one. Returns the total number of known peers and
// whether a record was added.
func (me *peerRegistry) AddPeer(id PeerID, ext pp.PeerExtensionBits) (total int, added bool) {
	if _, ok := me.peers[id]; ok {
		return len(me.peers), false
	}
	now := me.now()
	me.peers[id] = &PeerRecord{
		ID:         id,
		Extensions: ext,
		Added:      now,
		LastUpdate: now,
	}
	me.order = append(me.order, id)
	knownPeers.Inc()
	me.logger.Levelf(log.Info, "added peer %v (%v), %d known peers", id, ext, len(me.peers))
	return len(me.peers), true
}

func (me *peerRegistry) Touch(id PeerID) {
	if r, ok := me.peers[id]; ok {
		r.LastUpdate = me.now()
	}
}

func (me *peerRegistry) SetExtensionIDs(id PeerID, m map[pp.ExtensionName]pp.ExtensionNumber) {
	r, ok := me.peers[id]
	if !ok {
		return
	}
	r.ExtensionIDs = maps.Clone(m)
	r.LastUpdate = me.now()
}

func (me *peerRegistry) Get(id PeerID) (PeerRecord, bool) {
	r, ok := me.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *r, true
}

func (me *peerRegistry) Len() int {
	return len(me.peers)
}

// Copies of all records in the order they were added.
func (me *peerRegistry) Records() []PeerRecord {
	ret := make([]PeerRecord, 0, len(me.order))
	for _, id := range me.order {
		r := *me.peers[id]
		r.ExtensionIDs = maps.Clone(r.ExtensionIDs)
		ret = append(ret, r)
	}
	return slices.Clip(ret)
}
