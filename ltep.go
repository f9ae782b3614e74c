package dhtget

import (
	"errors"
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

const (
	metadataPieceSize = 1 << 14
	maxMetadataSize   = 10 * 1024 * 1024
	// The ID we assign ut_metadata in our extended handshake.
	localMetadataExtensionID pp.ExtensionNumber = 1
)

// The header of a ut_metadata message. Data messages are followed by the piece bytes.
type metadataMsg struct {
	Type      int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// ut_metadata fetch state. Guarded by wireConn.mu.
type metadataFetch struct {
	wanted bool
	// Set when the peer's extended handshake arrives.
	gotHandshake bool
	peerID       g.Option[pp.ExtensionNumber]
	size         int
	// Non-nil while pieces are outstanding.
	buf       []byte
	have      []bool
	requested bool
}

func (me *metadataFetch) numPieces() int {
	return (me.size + metadataPieceSize - 1) / metadataPieceSize
}

func (me *metadataFetch) pieceSize(i int) int {
	return min(metadataPieceSize, me.size-i*metadataPieceSize)
}

func (me *metadataFetch) complete() bool {
	for _, h := range me.have {
		if !h {
			return false
		}
	}
	return true
}

func (c *wireConn) warnMetadata(format string, args ...any) {
	c.post(metadataWarningEvent{connEvent{c}, fmt.Sprintf(format, args...)})
}

func (c *wireConn) writeExtended(id pp.ExtensionNumber, v any, extra []byte) error {
	payload, err := bencode.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeMessage(pp.Message{
		Type:            pp.Extended,
		ExtendedID:      id,
		ExtendedPayload: append(payload, extra...),
	})
}

// Sends our extended handshake and requests every metadata piece once the peer's handshake tells
// us the metadata size.
func (c *wireConn) FetchMetadata() error {
	c.mu.Lock()
	c.meta.wanted = true
	c.mu.Unlock()
	err := c.writeExtended(pp.HandshakeExtendedID, pp.ExtendedHandshakeMessage{
		M: map[pp.ExtensionName]pp.ExtensionNumber{
			pp.ExtensionNameMetadata: localMetadataExtensionID,
		},
		V: c.config.ExtendedHandshakeClientVersion,
	}, nil)
	if err != nil {
		return err
	}
	return c.maybeRequestMetadata()
}

func (c *wireConn) onReadExtendedMsg(id pp.ExtensionNumber, payload []byte) error {
	switch id {
	case pp.HandshakeExtendedID:
		var d pp.ExtendedHandshakeMessage
		if err := bencode.Unmarshal(payload, &d); err != nil {
			return fmt.Errorf("unmarshalling extended handshake: %w", err)
		}
		c.post(extendedHandshakeEvent{connEvent{c}, d.M})
		c.mu.Lock()
		c.meta.gotHandshake = true
		if id, ok := d.M[pp.ExtensionNameMetadata]; ok && id != 0 {
			c.meta.peerID = g.Some(id)
		}
		c.meta.size = d.MetadataSize
		c.mu.Unlock()
		return c.maybeRequestMetadata()
	case localMetadataExtensionID:
		return c.onMetadataMsg(payload)
	default:
		c.logger.Levelf(log.Debug, "ignoring extended message %v", id)
		return nil
	}
}

func (c *wireConn) maybeRequestMetadata() error {
	c.mu.Lock()
	m := &c.meta
	if !m.wanted || !m.gotHandshake || m.requested {
		c.mu.Unlock()
		return nil
	}
	m.requested = true
	if !m.peerID.Ok {
		c.mu.Unlock()
		c.warnMetadata("peer doesn't support %v", pp.ExtensionNameMetadata)
		return nil
	}
	if m.size <= 0 || m.size > maxMetadataSize {
		size := m.size
		c.mu.Unlock()
		c.warnMetadata("bad metadata size %v", size)
		return nil
	}
	m.buf = make([]byte, m.size)
	m.have = make([]bool, m.numPieces())
	peerID := m.peerID.Value
	n := m.numPieces()
	c.mu.Unlock()
	c.logger.Levelf(log.Debug, "requesting %v metadata pieces", n)
	for i := range n {
		err := c.writeExtended(peerID, metadataMsg{
			Type:  int(pp.RequestMetadataExtensionMsgType),
			Piece: i,
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *wireConn) onMetadataMsg(payload []byte) error {
	var msg metadataMsg
	err := bencode.Unmarshal(payload, &msg)
	dataStart := len(payload)
	var trailing bencode.ErrUnusedTrailingBytes
	if errors.As(err, &trailing) {
		dataStart -= trailing.NumUnusedBytes
		err = nil
	}
	if err != nil {
		return fmt.Errorf("unmarshalling metadata message: %w", err)
	}
	switch msg.Type {
	case int(pp.RequestMetadataExtensionMsgType):
		// We don't serve metadata.
		c.mu.Lock()
		peerID := c.meta.peerID
		c.mu.Unlock()
		if !peerID.Ok {
			return nil
		}
		return c.writeExtended(peerID.Value, metadataMsg{
			Type:  int(pp.RejectMetadataExtensionMsgType),
			Piece: msg.Piece,
		}, nil)
	case int(pp.RejectMetadataExtensionMsgType):
		c.warnMetadata("peer rejected metadata piece %v", msg.Piece)
		return nil
	case int(pp.DataMetadataExtensionMsgType):
		c.gotMetadataPiece(msg.Piece, payload[dataStart:])
		return nil
	default:
		c.logger.Levelf(log.Debug, "unknown metadata message type %v", msg.Type)
		return nil
	}
}

func (c *wireConn) gotMetadataPiece(index int, data []byte) {
	c.mu.Lock()
	m := &c.meta
	if m.buf == nil {
		c.mu.Unlock()
		return
	}
	if index < 0 || index >= m.numPieces() {
		c.mu.Unlock()
		c.warnMetadata("metadata piece index %v out of range", index)
		return
	}
	if expected := m.pieceSize(index); len(data) != expected {
		c.mu.Unlock()
		c.warnMetadata("metadata piece %v has length %v, expected %v", index, len(data), expected)
		return
	}
	copy(m.buf[index*metadataPieceSize:], data)
	m.have[index] = true
	if !m.complete() {
		c.mu.Unlock()
		return
	}
	infoBytes := m.buf
	m.buf = nil
	m.have = nil
	c.mu.Unlock()
	if metainfo.HashBytes(infoBytes) != c.infoHash {
		c.warnMetadata("metadata doesn't match info hash")
		return
	}
	raw, err := bencode.Marshal(map[string]bencode.Bytes{"info": infoBytes})
	if err != nil {
		c.warnMetadata("encoding metadata: %v", err)
		return
	}
	c.post(metadataEvent{connEvent{c}, raw})
}
