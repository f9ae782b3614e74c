package dhtget

import (
	"slices"

	"github.com/anacrolix/multiless"
)

// A peer address surfaced by the discovery network, with how many times it was reported.
type DiscoveredPeer struct {
	Addr     string
	NodeRefs int
	// Position in first-seen order. Ranking ties are broken on this.
	firstSeen int
}

// Summary of everything outside the top of a ranking.
type OthersBucket struct {
	Peers    int
	NodeRefs int
}

// Deduplicates discovery sightings by address. Owned by the session event loop.
type discoveredPeers struct {
	peers     []DiscoveredPeer
	index     map[string]int
	sightings int
}

func (me *discoveredPeers) RecordSighting(addr string) (record DiscoveredPeer, isNew bool) {
	me.sightings++
	discoveredPeerSightings.Inc()
	if i, ok := me.index[addr]; ok {
		me.peers[i].NodeRefs++
		return me.peers[i], false
	}
	if me.index == nil {
		me.index = make(map[string]int)
	}
	me.index[addr] = len(me.peers)
	me.peers = append(me.peers, DiscoveredPeer{
		Addr:      addr,
		NodeRefs:  1,
		firstSeen: len(me.peers),
	})
	return me.peers[len(me.peers)-1], true
}

func (me *discoveredPeers) Len() int {
	return len(me.peers)
}

func (me *discoveredPeers) Sightings() int {
	return me.sightings
}

// Records by descending reference count, ties in first-seen order. At most n are returned, or all
// of them if n < 0. The underlying set is not modified.
func (me *discoveredPeers) RankTop(n int) []DiscoveredPeer {
	ranked := slices.Clone(me.peers)
	slices.SortStableFunc(ranked, func(l, r DiscoveredPeer) int {
		return multiless.New().Int(
			r.NodeRefs, l.NodeRefs,
		).Int(
			l.firstSeen, r.firstSeen,
		).OrderingInt()
	})
	if n >= 0 && n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// The top k ranked records and a summary of the rest.
func (me *discoveredPeers) TopK(k int) (top []DiscoveredPeer, others OthersBucket) {
	all := me.RankTop(-1)
	if k < len(all) {
		for _, p := range all[k:] {
			others.Peers++
			others.NodeRefs += p.NodeRefs
		}
		all = all[:k]
	}
	return all, others
}
