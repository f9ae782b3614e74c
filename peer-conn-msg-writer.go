package dhtget

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// Room for a full round of metadata requests and plenty of haves. A peer that lets this much
// back up isn't reading.
const writeBufferHighWaterLen = 1 << 20

var errWriteBufferFull = errors.New("write buffer full")

// Queues outgoing messages so senders never block on the connection. A single goroutine drains
// the queue.
type peerConnMsgWriter struct {
	closed *chansync.SetOnce
	w      io.Writer

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the "front buffer".
	writeBuffer *bytes.Buffer
}

func newPeerConnMsgWriter(w io.Writer, closed *chansync.SetOnce) *peerConnMsgWriter {
	return &peerConnMsgWriter{
		closed:      closed,
		w:           w,
		writeBuffer: new(bytes.Buffer),
	}
}

// Writes queued data until closed or a write fails. A keep-alive is written when nothing else has
// been for keepAliveTimeout, if it's positive.
func (cn *peerConnMsgWriter) run(keepAliveTimeout time.Duration) error {
	lastWrite := time.Now()
	var keepAliveTimer *time.Timer
	var keepAliveC <-chan time.Time
	if keepAliveTimeout > 0 {
		keepAliveTimer = time.NewTimer(keepAliveTimeout)
		defer keepAliveTimer.Stop()
		keepAliveC = keepAliveTimer.C
	}
	frontBuf := new(bytes.Buffer)
	for {
		if cn.closed.IsSet() {
			return nil
		}
		cn.mu.Lock()
		if cn.writeBuffer.Len() == 0 && keepAliveTimer != nil && time.Since(lastWrite) >= keepAliveTimeout {
			cn.writeBuffer.Write(pp.Message{Keepalive: true}.MustMarshalBinary())
		}
		if cn.writeBuffer.Len() == 0 {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveC:
			}
			continue
		}
		// Flip the buffers.
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		_, err := frontBuf.WriteTo(cn.w)
		if err != nil {
			return err
		}
		lastWrite = time.Now()
		if keepAliveTimer != nil {
			keepAliveTimer.Reset(keepAliveTimeout)
		}
	}
}

// Queues b. Fails without queuing anything if the buffer would exceed the high water mark.
func (cn *peerConnMsgWriter) write(b []byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed.IsSet() {
		return net.ErrClosed
	}
	if cn.writeBuffer.Len()+len(b) > writeBufferHighWaterLen {
		return errWriteBufferFull
	}
	cn.writeBuffer.Write(b)
	cn.writeCond.Broadcast()
	return nil
}

func (cn *peerConnMsgWriter) buffered() int {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.writeBuffer.Len()
}
