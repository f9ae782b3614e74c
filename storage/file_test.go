package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSpansFiles(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "t",
		PieceLength: 4,
		Files: []metainfo.FileInfo{
			{Path: []string{"a"}, Length: 3},
			{Path: []string{"sub", "b"}, Length: 0},
			{Path: []string{"c"}, Length: 5},
		},
	}
	f, err := OpenFile(dir, info)
	require.NoError(t, err)
	assert.EqualValues(t, 8, f.Length())
	n, err := f.WriteAt([]byte("bcde"), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = f.WriteAt([]byte("fgh"), 5)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("a"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("xx"), 7)
	assert.Error(t, err)
	require.NoError(t, f.Close())
	b, err := os.ReadFile(filepath.Join(dir, "t", "a"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "t", "c"))
	require.NoError(t, err)
	assert.Equal(t, "defgh", string(b))
	fi, err := os.Stat(filepath.Join(dir, "t", "sub", "b"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestFileSingle(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(dir, &metainfo.Info{Name: "a.txt", Length: 10, PieceLength: 16384})
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("helloworld"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(b))
}

func TestFileRejectsUnsafePath(t *testing.T) {
	_, err := OpenFile(t.TempDir(), &metainfo.Info{
		Name:        "t",
		PieceLength: 4,
		Files:       []metainfo.FileInfo{{Path: []string{"..", "..", "x"}, Length: 1}},
	})
	assert.Error(t, err)
}
