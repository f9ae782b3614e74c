package dhtget

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/torrent/metainfo"
)

const hashWidth = 20

type FileLayout struct {
	Path   string
	Length int64
}

// The piece layout derived from torrent metadata. Immutable once built.
type PieceLayout struct {
	Name        string
	Files       []FileLayout
	BlockHashes []metainfo.Hash
	BlockLength int64
	ChunkLength int64
	// floor(BlockLength / ChunkLength). A remainder chunk isn't counted here; see NumChunks.
	NumBlockChunks int
	TotalLength    int64
}

func (me *PieceLayout) NumBlocks() int {
	return len(me.BlockHashes)
}

// The final block may be short.
func (me *PieceLayout) BlockSize(index int) int64 {
	panicif.LessThan(index, 0)
	panicif.True(index >= me.NumBlocks())
	return min(me.BlockLength, me.TotalLength-int64(index)*me.BlockLength)
}

// The number of chunk requests needed to fill a block, including a short trailing chunk.
func (me *PieceLayout) NumChunks(block int) int {
	size := me.BlockSize(block)
	return int((size + me.ChunkLength - 1) / me.ChunkLength)
}

// The offset and length of a chunk within its block.
func (me *PieceLayout) ChunkSpec(block, chunk int) (offset, length int64) {
	offset = int64(chunk) * me.ChunkLength
	size := me.BlockSize(block)
	panicif.True(offset >= size)
	length = min(me.ChunkLength, size-offset)
	return
}

func (me *PieceLayout) BlockOffset(index int) int64 {
	return int64(index) * me.BlockLength
}

// Decodes a bencoded dictionary holding an "info" dictionary, and derives the piece layout from
// it. The decoded info is returned for the caller to inspect. Every failure wraps
// ErrMalformedMetadata.
func Assemble(raw []byte, chunkLength int64) (*PieceLayout, *metainfo.Info, error) {
	panicif.LessThanOrEqual(chunkLength, 0)
	mi, err := metainfo.Load(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding: %w", ErrMalformedMetadata, err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, nil, fmt.Errorf("%w: missing info", ErrMalformedMetadata)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding info: %w", ErrMalformedMetadata, err)
	}
	layout, err := layoutFromInfo(&info, chunkLength)
	if err != nil {
		return nil, nil, err
	}
	return layout, &info, nil
}

func layoutFromInfo(info *metainfo.Info, chunkLength int64) (*PieceLayout, error) {
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %v", ErrMalformedMetadata, info.PieceLength)
	}
	if len(info.Pieces)%hashWidth != 0 {
		return nil, fmt.Errorf(
			"%w: pieces length %v is not a multiple of %v",
			ErrMalformedMetadata, len(info.Pieces), hashWidth)
	}
	l := &PieceLayout{
		Name:           info.BestName(),
		BlockLength:    info.PieceLength,
		ChunkLength:    chunkLength,
		NumBlockChunks: int(info.PieceLength / chunkLength),
		TotalLength:    info.TotalLength(),
	}
	for b := range slices.Chunk(info.Pieces, hashWidth) {
		var h metainfo.Hash
		copy(h[:], b)
		l.BlockHashes = append(l.BlockHashes, h)
	}
	if len(l.BlockHashes) == 0 {
		return nil, fmt.Errorf("%w: no pieces", ErrMalformedMetadata)
	}
	if expected := (l.TotalLength + l.BlockLength - 1) / l.BlockLength; int64(len(l.BlockHashes)) != expected {
		return nil, fmt.Errorf(
			"%w: have %v piece hashes, total length %v needs %v",
			ErrMalformedMetadata, len(l.BlockHashes), l.TotalLength, expected)
	}
	for _, fi := range info.UpvertedFiles() {
		l.Files = append(l.Files, FileLayout{
			Path:   fi.DisplayPath(info),
			Length: fi.Length,
		})
	}
	return l, nil
}
