package dhtget

import (
	"fmt"
	"time"

	"github.com/anacrolix/log"
)

func (s *Session) bootstrapDht(srv DhtServer) {
	s.logger.Levelf(log.Debug, "bootstrapping dht %x on %v", srv.ID(), srv.Addr())
	err := srv.Bootstrap()
	if err != nil {
		s.post(dhtErrorEvent{err: fmt.Errorf("bootstrapping: %w", err)})
		return
	}
	s.post(dhtReadyEvent{})
}

func (s *Session) onDhtReady() {
	s.logger.Levelf(log.Info, "dht ready, looking up peers")
	go s.lookupPeers(s.dhtServer)
}

func (s *Session) onDhtError(err error) {
	err = fmt.Errorf("%w: %w", ErrDiscovery, err)
	if s.discovery.reject(err) {
		s.logger.Levelf(log.Warning, "%v", err)
	}
}

// Runs the bounded lookup, posting peers as they arrive.
func (s *Session) lookupPeers(srv DhtServer) {
	lookup, err := srv.Lookup(s.infoHash)
	if err != nil {
		s.post(lookupDoneEvent{err: err})
		return
	}
	defer lookup.Close()
	var timeout <-chan time.Time
	if d := s.config.LookupTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	peers := lookup.Peers()
	for {
		select {
		case pv, ok := <-peers:
			if !ok {
				s.post(lookupDoneEvent{nodesContacted: lookup.NumContacted()})
				return
			}
			s.post(peersFoundEvent{DhtPeersValues: pv})
		case <-timeout:
			s.logger.Levelf(log.Debug, "lookup timed out after %v", s.config.LookupTimeout)
			// Peers is closed once the traversal winds down.
			lookup.StopTraversing()
			timeout = nil
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) onPeersFound(pv DhtPeersValues) {
	for _, addr := range pv.Peers {
		rec, isNew := s.discovered.RecordSighting(addr)
		if isNew {
			s.logger.Levelf(log.Debug, "found peer %v via %v", addr, pv.From)
		} else {
			s.logger.Levelf(log.Debug, "peer %v seen again via %v (%d refs)", addr, pv.From, rec.NodeRefs)
		}
	}
}

func (s *Session) onLookupDone(e lookupDoneEvent) {
	if e.err != nil {
		s.onDhtError(fmt.Errorf("lookup: %w", e.err))
		return
	}
	top, others := s.discovered.TopK(s.config.SummaryTopPeers)
	summary := DiscoverySummary{
		TopPeers:       top,
		TotalPeers:     s.discovered.Len(),
		NodesContacted: e.nodesContacted,
		Others:         others,
	}
	s.reportDiscovery(summary)
	s.discovery.resolve(summary)
	s.dialDiscovered()
}

func (s *Session) reportDiscovery(summary DiscoverySummary) {
	s.logger.Levelf(
		log.Info, "lookup contacted %d nodes and found %d peers (%d sightings)",
		summary.NodesContacted, summary.TotalPeers, s.discovered.Sightings())
	ranked := s.discovered.RankTop(s.config.ReportPeers)
	for i, p := range ranked {
		switch i {
		case 0:
			s.logger.Levelf(log.Info, "top peers:")
		case s.config.SummaryTopPeers:
			s.logger.Levelf(log.Info, "others:")
		}
		s.logger.Levelf(log.Info, "%3d. %v (%d refs)", i+1, p.Addr, p.NodeRefs)
	}
}
