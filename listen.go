package dhtget

import (
	"net"

	"github.com/anacrolix/log"
)

func (s *Session) acceptConns(l net.Listener) {
	for {
		if lim := s.config.AcceptRateLimiter; lim != nil {
			if lim.Wait(s.ctx) != nil {
				return
			}
		}
		nc, err := l.Accept()
		if err != nil {
			if !s.closed.IsSet() {
				s.logger.Levelf(log.Warning, "accepting: %v", err)
			}
			return
		}
		s.logger.Levelf(log.Debug, "accepted conn from %v", nc.RemoteAddr())
		s.AddPeerConn(nc)
	}
}
