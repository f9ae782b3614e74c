package dhtget

import (
	"fmt"
	"strings"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
)

func (s *Session) onMetadata(ps *peerState, raw []byte) {
	if s.gotMetadata {
		s.logger.Levelf(log.Debug, "ignoring metadata from %v, already have it", ps)
		return
	}
	if s.State().Terminal() {
		return
	}
	s.gotMetadata = true
	if s.metadataTimer != nil {
		s.metadataTimer.Stop()
	}
	layout, info, err := Assemble(raw, s.config.ChunkSize)
	if err != nil {
		s.fail(fmt.Errorf("metadata from %v: %w", ps, err))
		return
	}
	s.layout = layout
	s.info = info
	s.reportMetadata(layout)
	s.metadata.resolve(info)
	s.setState(StateMetadataReady)
	if s.config.OpenStorage != nil {
		storage, err := s.config.OpenStorage(info)
		if err != nil {
			s.fail(fmt.Errorf("opening storage: %w", err))
			return
		}
		s.storage = storage
	}
	s.sched = newChunkScheduler(layout, s.config.ChunkTimeout, s.post, s.logger)
	s.sched.startBlock(0)
	// A peer may have unchoked us while we were waiting for metadata.
	for _, ps := range s.conns {
		if ps.handshaked && !ps.choking {
			s.onUnchoke(ps)
			break
		}
	}
}

func (s *Session) reportMetadata(l *PieceLayout) {
	var b strings.Builder
	fmt.Fprintf(&b, "got metadata for %q: %v in %d blocks of %v, %d chunks per block",
		l.Name,
		humanize.IBytes(uint64(l.TotalLength)),
		l.NumBlocks(),
		humanize.IBytes(uint64(l.BlockLength)),
		l.NumBlockChunks)
	for _, f := range l.Files {
		fmt.Fprintf(&b, "\n  %v (%v)", f.Path, humanize.IBytes(uint64(f.Length)))
	}
	s.logger.Levelf(log.Info, "%s", b.String())
}

func (s *Session) onChoke(ps *peerState, choking bool) {
	if ps.choking == choking {
		return
	}
	ps.choking = choking
	s.logger.Levelf(log.Debug, "%v choking=%v", ps, choking)
	if s.sched == nil || s.State().Terminal() {
		return
	}
	if choking {
		s.sched.onChoke(ps)
		return
	}
	s.onUnchoke(ps)
}

func (s *Session) onUnchoke(ps *peerState) {
	err := s.sched.onUnchoke(ps)
	if err != nil {
		chunkRequestFailures.Inc()
		s.fail(err)
		return
	}
	if s.sched.outstanding.Ok && s.State() == StateMetadataReady {
		s.setState(StateDownloading)
	}
}

func (s *Session) onChunkResponse(e chunkResponseEvent) {
	if s.sched == nil || s.State().Terminal() {
		return
	}
	blockDone, err := s.sched.onResponse(e)
	if err != nil {
		chunkRequestFailures.Inc()
		s.fail(err)
		return
	}
	if blockDone {
		s.verifyCurrentBlock()
	}
}

func (s *Session) onChunkTimeout(gen int) {
	if s.sched == nil || s.State().Terminal() {
		return
	}
	err := s.sched.onTimeout(gen)
	if err != nil {
		chunkRequestFailures.Inc()
		s.fail(err)
	}
}

// Checks the assembled block, stores it and moves on to the next one.
func (s *Session) verifyCurrentBlock() {
	s.setState(StateVerifying)
	index, buf := s.sched.takeBlock()
	defer buf.Release()
	data := buf.Bytes()
	if !verifyBlock(data, s.layout.BlockHashes[index]) {
		blockVerificationFailures.Inc()
		s.fail(fmt.Errorf("%w: block %v", ErrBlockVerificationFailed, index))
		return
	}
	blocksVerified.Inc()
	if s.storage != nil {
		_, err := s.storage.WriteAt(data, s.layout.BlockOffset(index))
		if err != nil {
			s.fail(fmt.Errorf("writing block %v: %w", index, err))
			return
		}
	}
	s.stats.Blocks++
	s.stats.Bytes += int64(len(data))
	for _, ps := range s.conns {
		if !ps.handshaked {
			continue
		}
		err := ps.conn.SendHave(index)
		if err != nil {
			s.logger.Levelf(log.Debug, "sending have to %v: %v", ps, err)
		}
	}
	s.logger.Levelf(log.Info, "verified block %d/%d (%v)",
		index+1, s.layout.NumBlocks(), humanize.IBytes(uint64(s.stats.Bytes)))
	if index+1 == s.layout.NumBlocks() {
		s.finish()
		return
	}
	s.setState(StateDownloading)
	s.sched.startBlock(index + 1)
	if src := s.sched.source; src != nil && !src.choking {
		err := s.sched.requestNext()
		if err != nil {
			chunkRequestFailures.Inc()
			s.fail(err)
		}
	}
}

func (s *Session) finish() {
	if s.storage != nil {
		err := s.storage.Close()
		s.storage = nil
		if err != nil {
			s.fail(fmt.Errorf("closing storage: %w", err))
			return
		}
	}
	s.setState(StateComplete)
	s.logger.Levelf(log.Info, "download complete: %d blocks, %v",
		s.stats.Blocks, humanize.IBytes(uint64(s.stats.Bytes)))
	s.complete.resolve(s.stats)
}
