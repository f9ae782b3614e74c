package dhtget

import (
	"errors"
	"fmt"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/anacrolix/dhtget/internal/blockbuf"
)

// Pulls the chunks of one block at a time from a single data source, one request in flight.
// Owned by the session event loop.
type chunkScheduler struct {
	layout       *PieceLayout
	chunkTimeout time.Duration
	post         func(event)
	logger       log.Logger

	// The active data source. Unchokes from other peers are ignored.
	source *peerState

	block     int
	chunk     int
	numChunks int
	buf       *blockbuf.Buffer

	outstanding g.Option[ChunkRequest]
	// Incremented per request and on abandoning one, so stale responses and timers are ignored.
	gen   int
	timer *time.Timer
}

func newChunkScheduler(
	layout *PieceLayout,
	chunkTimeout time.Duration,
	post func(event),
	logger log.Logger,
) *chunkScheduler {
	return &chunkScheduler{
		layout:       layout,
		chunkTimeout: chunkTimeout,
		post:         post,
		logger:       logger,
		block:        -1,
	}
}

func (s *chunkScheduler) blockInProgress() bool {
	return s.buf != nil
}

func (s *chunkScheduler) startBlock(index int) {
	panicif.True(s.outstanding.Ok)
	panicif.True(s.blockInProgress())
	s.block = index
	s.chunk = 0
	s.numChunks = s.layout.NumChunks(index)
	s.buf = blockbuf.New(s.layout.BlockSize(index), s.layout.ChunkLength)
	s.logger.Levelf(log.Debug, "starting block %v (%v chunks)", index, s.numChunks)
}

// Sends a request for a chunk to the data source. Nothing happens if the source is choking us,
// and ErrFlowControl is returned.
func (s *chunkScheduler) requestChunk(block, chunk int, offset, length int64) error {
	panicif.Nil(s.source)
	if s.source.choking {
		return fmt.Errorf("%w: block %v chunk %v from %v", ErrFlowControl, block, chunk, s.source)
	}
	panicif.True(s.outstanding.Ok)
	req := ChunkRequest{
		Index:  pp.Integer(block),
		Begin:  pp.Integer(offset),
		Length: pp.Integer(length),
	}
	s.gen++
	gen := s.gen
	s.outstanding = g.Some(req)
	err := s.source.conn.SendRequest(req, func(b []byte, err error) {
		s.post(chunkResponseEvent{gen: gen, req: req, data: b, err: err})
	})
	if err != nil {
		s.outstanding = g.None[ChunkRequest]()
		return fmt.Errorf("%w: sending %v: %w", ErrChunkRequestFailed, req, err)
	}
	if s.chunkTimeout > 0 {
		s.timer = time.AfterFunc(s.chunkTimeout, func() {
			s.post(chunkTimeoutEvent{gen: gen})
		})
	}
	s.logger.Levelf(log.Debug, "requested %v (chunk %v/%v)", req, chunk, s.numChunks)
	return nil
}

func (s *chunkScheduler) requestNext() error {
	offset, length := s.layout.ChunkSpec(s.block, s.chunk)
	return s.requestChunk(s.block, s.chunk, offset, length)
}

// The peer unchoked us. It becomes the data source if there isn't one, and the current chunk is
// requested.
func (s *chunkScheduler) onUnchoke(ps *peerState) error {
	if s.source != nil && s.source != ps {
		s.logger.Levelf(log.Debug, "ignoring unchoke from %v, data source is %v", ps, s.source)
		return nil
	}
	if s.source == nil {
		s.logger.Levelf(log.Info, "using %v as data source", ps)
		s.source = ps
		if !ps.mayHave(s.block) {
			s.logger.Levelf(log.Warning, "data source %v hasn't advertised block %v", ps, s.block)
		}
	}
	if s.outstanding.Ok || !s.blockInProgress() {
		return nil
	}
	return s.requestNext()
}

// The source choked us. It discards our requests, so the outstanding one is reissued on the next
// unchoke.
func (s *chunkScheduler) onChoke(ps *peerState) {
	if ps != s.source {
		return
	}
	if s.outstanding.Ok {
		s.logger.Levelf(log.Debug, "choked with %v outstanding", s.outstanding.Value)
	}
	s.abandon()
}

func (s *chunkScheduler) abandon() {
	s.stopTimer()
	if s.outstanding.Ok {
		s.gen++
		s.outstanding = g.None[ChunkRequest]()
	}
}

func (s *chunkScheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Handles the response to the outstanding request. blockDone is true when the last chunk of the
// block is in the buffer.
func (s *chunkScheduler) onResponse(ev chunkResponseEvent) (blockDone bool, err error) {
	if ev.gen != s.gen || !s.outstanding.Ok {
		s.logger.Levelf(log.Debug, "ignoring stale response for %v", ev.req)
		return false, nil
	}
	s.stopTimer()
	s.outstanding = g.None[ChunkRequest]()
	if ev.err != nil {
		return false, fmt.Errorf("%w: %v: %w", ErrChunkRequestFailed, ev.req, ev.err)
	}
	if _, err := s.buf.WriteChunk(s.chunk, ev.data); err != nil {
		return false, fmt.Errorf("%w: %v: %w", ErrChunkRequestFailed, ev.req, err)
	}
	chunksReceived.Inc()
	bytesReceived.Add(float64(len(ev.data)))
	s.chunk++
	if s.chunk < s.numChunks {
		err = s.requestNext()
		if errors.Is(err, ErrFlowControl) {
			// Choked between responses. Resumes on unchoke.
			err = nil
		}
		return false, err
	}
	return true, nil
}

func (s *chunkScheduler) onTimeout(gen int) error {
	if gen != s.gen || !s.outstanding.Ok {
		return nil
	}
	req := s.outstanding.Value
	s.timer = nil
	s.abandon()
	return fmt.Errorf("%w: %w: %v after %v", ErrChunkRequestFailed, ErrChunkTimeout, req, s.chunkTimeout)
}

// The data source went away. A partial block is discarded, and restarts from its first chunk
// with the next source. The returned error reports the halted block, and is nil if nothing was in
// progress.
func (s *chunkScheduler) onSourceClosed(ps *peerState, cause error) error {
	if ps != s.source {
		return nil
	}
	s.abandon()
	s.source = nil
	if !s.blockInProgress() {
		return nil
	}
	err := fmt.Errorf(
		"%w: data source %v closed during block %v chunk %v: %w",
		ErrChunkRequestFailed, ps, s.block, s.chunk, cause)
	s.buf.Release()
	s.buf = nil
	s.startBlock(s.block)
	return err
}

// Takes the assembled block, leaving the scheduler ready for startBlock.
func (s *chunkScheduler) takeBlock() (index int, buf *blockbuf.Buffer) {
	panicif.True(s.outstanding.Ok)
	panicif.False(s.buf.Complete())
	index, buf = s.block, s.buf
	s.buf = nil
	return
}

// Drops any partial block.
func (s *chunkScheduler) close() {
	s.abandon()
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}
