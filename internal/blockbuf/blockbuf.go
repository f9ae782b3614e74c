// Package blockbuf accumulates the chunks of one block and tracks which are present.
package blockbuf

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"
)

var ErrReleased = errors.New("buffer released")

type Buffer struct {
	data        []byte
	chunkLength int64
	numChunks   int
	have        roaring.Bitmap
}

// A buffer for a block of size bytes, filled in chunks of chunkLength. The last chunk may be
// short.
func New(size, chunkLength int64) *Buffer {
	panicif.LessThanOrEqual(chunkLength, 0)
	panicif.LessThan(size, 0)
	return &Buffer{
		data:        make([]byte, size),
		chunkLength: chunkLength,
		numChunks:   int((size + chunkLength - 1) / chunkLength),
	}
}

func (b *Buffer) Len() int64 {
	return int64(len(b.data))
}

func (b *Buffer) NumChunks() int {
	return b.numChunks
}

// The expected length of the chunk at index.
func (b *Buffer) ChunkLength(index int) int64 {
	off := int64(index) * b.chunkLength
	return min(b.chunkLength, int64(len(b.data))-off)
}

// Copies data into the chunk at index. Returns false if the chunk was already present, in which
// case the earlier data is overwritten.
func (b *Buffer) WriteChunk(index int, data []byte) (first bool, err error) {
	if b.data == nil && b.numChunks != 0 {
		return false, ErrReleased
	}
	if index < 0 || index >= b.numChunks {
		return false, fmt.Errorf("chunk index %v out of range [0, %v)", index, b.numChunks)
	}
	if expected := b.ChunkLength(index); int64(len(data)) != expected {
		return false, fmt.Errorf("chunk %v has length %v, expected %v", index, len(data), expected)
	}
	copy(b.data[int64(index)*b.chunkLength:], data)
	return b.have.CheckedAdd(uint32(index)), nil
}

func (b *Buffer) HaveChunk(index int) bool {
	return b.have.Contains(uint32(index))
}

func (b *Buffer) Complete() bool {
	return b.have.GetCardinality() == uint64(b.numChunks)
}

// Indices of chunks not yet written, ascending.
func (b *Buffer) Missing() (ret []int) {
	var all roaring.Bitmap
	all.AddRange(0, uint64(b.numChunks))
	all.AndNot(&b.have)
	all.Iterate(func(x uint32) bool {
		ret = append(ret, int(x))
		return true
	})
	return
}

// The assembled bytes. Only meaningful once Complete.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Drops the data. Further writes fail.
func (b *Buffer) Release() {
	b.data = nil
	b.have.Clear()
}
