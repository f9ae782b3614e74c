package dhtget

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetDialer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	d := NetDialer{Network: "tcp", Timeout: time.Second}
	nc, err := d.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	nc.Close()
}

func TestNetDialerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NetDialer{Network: "tcp", Timeout: time.Second}.Dial(ctx, "127.0.0.1:1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "127.0.0.1:1")
}
