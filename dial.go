package dhtget

import (
	"github.com/anacrolix/log"
)

// Dials the top ranked discovered peers. Must be called on the event loop.
func (s *Session) dialDiscovered() {
	n := s.config.DialDiscoveredPeers
	if n <= 0 || s.config.Dialer == nil || s.State().Terminal() {
		return
	}
	var addrs []string
	for _, p := range s.discovered.RankTop(n) {
		addrs = append(addrs, p.Addr)
	}
	go s.dialPeers(addrs)
}

func (s *Session) dialPeers(addrs []string) {
	for _, addr := range addrs {
		if lim := s.config.DialRateLimiter; lim != nil {
			if lim.Wait(s.ctx) != nil {
				return
			}
		}
		go s.dialPeer(addr)
	}
}

func (s *Session) dialPeer(addr string) {
	nc, err := s.config.Dialer.Dial(s.ctx, addr)
	if err != nil {
		s.logger.Levelf(log.Debug, "dialing %v: %v", addr, err)
		return
	}
	s.addWireConn(nc, true)
}
