package dhtget

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Opens outgoing peer connections for the discovered-peer dialer.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Dials peers directly. Each attempt is bounded by Timeout as well as the context.
type NetDialer struct {
	Network string
	Timeout time.Duration
}

func (me NetDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if me.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, me.Timeout)
		defer cancel()
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, me.Network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %v %v: %w", me.Network, addr, err)
	}
	return nc, nil
}
