package dhtget

import (
	"bytes"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkLength = 16 << 10

func TestAssembleTwoHashes(t *testing.T) {
	raw, _ := rawMetadata(t, metainfo.Info{
		Name:        "x",
		Length:      20000,
		PieceLength: 16384,
		Pieces:      bytes.Repeat([]byte{1}, 40),
	})
	l, info, err := Assemble(raw, testChunkLength)
	require.NoError(t, err)
	assert.Len(t, l.BlockHashes, 2)
	assert.EqualValues(t, "x", info.Name)
	assert.EqualValues(t, 20000-16384, l.BlockSize(1))
}

func TestAssembleRejectsOddPiecesLength(t *testing.T) {
	raw, _ := rawMetadata(t, metainfo.Info{
		Name:        "x",
		Length:      20000,
		PieceLength: 16384,
		Pieces:      bytes.Repeat([]byte{1}, 41),
	})
	_, _, err := Assemble(raw, testChunkLength)
	qt.Assert(t, qt.ErrorIs(err, ErrMalformedMetadata))
}

func TestAssembleRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte("not bencode"),
		[]byte("de"),
		[]byte("d4:infoi42ee"),
	} {
		_, _, err := Assemble(raw, testChunkLength)
		qt.Check(t, qt.ErrorIs(err, ErrMalformedMetadata), qt.Commentf("%q", raw))
	}
}

func TestAssembleRejectsHashCountMismatch(t *testing.T) {
	raw, _ := rawMetadata(t, metainfo.Info{
		Name:        "x",
		Length:      10,
		PieceLength: 16384,
		Pieces:      bytes.Repeat([]byte{1}, 40),
	})
	_, _, err := Assemble(raw, testChunkLength)
	qt.Assert(t, qt.ErrorIs(err, ErrMalformedMetadata))
}

func TestBlockChunksAndOffsets(t *testing.T) {
	const pieceLength = 262144
	raw, _ := rawMetadata(t, metainfo.Info{
		Name:        "big",
		Length:      pieceLength,
		PieceLength: pieceLength,
		Pieces:      make([]byte, 20),
	})
	l, _, err := Assemble(raw, testChunkLength)
	require.NoError(t, err)
	assert.Equal(t, 16, l.NumBlockChunks)
	assert.Equal(t, 16, l.NumChunks(0))
	var offsets []int64
	for c := range l.NumChunks(0) {
		off, length := l.ChunkSpec(0, c)
		assert.EqualValues(t, testChunkLength, length)
		offsets = append(offsets, off)
	}
	assert.EqualValues(t, 0, offsets[0])
	assert.EqualValues(t, 16384, offsets[1])
	assert.EqualValues(t, 245760, offsets[15])
	assert.Len(t, offsets, 16)
}

// The reported chunk count truncates, but the remainder is still requested, with a short length.
func TestNumBlockChunksTruncates(t *testing.T) {
	const pieceLength = 40000
	raw, _ := rawMetadata(t, metainfo.Info{
		Name:        "odd",
		Length:      pieceLength,
		PieceLength: pieceLength,
		Pieces:      make([]byte, 20),
	})
	l, _, err := Assemble(raw, testChunkLength)
	require.NoError(t, err)
	assert.Equal(t, 2, l.NumBlockChunks)
	assert.Equal(t, 3, l.NumChunks(0))
	off, length := l.ChunkSpec(0, 2)
	assert.EqualValues(t, 32768, off)
	assert.EqualValues(t, pieceLength-32768, length)
}

func TestAssembleSingleSmallFile(t *testing.T) {
	info := singleFileInfo("a.txt", []byte("helloworld"), 16384)
	raw, _ := rawMetadata(t, info)
	l, _, err := Assemble(raw, testChunkLength)
	require.NoError(t, err)
	assert.Equal(t, 1, l.NumBlocks())
	assert.Equal(t, 1, l.NumChunks(0))
	assert.Equal(t, []FileLayout{{"a.txt", 10}}, l.Files)
	_, length := l.ChunkSpec(0, 0)
	assert.EqualValues(t, 10, length)
}

func TestAssembleMultiFile(t *testing.T) {
	info := metainfo.Info{
		Name:        "dir",
		PieceLength: 16384,
		Files: []metainfo.FileInfo{
			{Path: []string{"a", "b.txt"}, Length: 3},
			{Path: []string{"c.txt"}, Length: 4},
		},
		Pieces: make([]byte, 20),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	raw, err := bencode.Marshal(map[string]bencode.Bytes{"info": infoBytes})
	require.NoError(t, err)
	l, _, err := Assemble(raw, testChunkLength)
	require.NoError(t, err)
	assert.EqualValues(t, 7, l.TotalLength)
	assert.Equal(t, []FileLayout{{"a/b.txt", 3}, {"c.txt", 4}}, l.Files)
}
