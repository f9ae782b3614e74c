package dhtget

import (
	"bytes"
	"crypto/sha1"

	"github.com/anacrolix/torrent/metainfo"
)

// Reports whether the SHA-1 of block is expected. The digests are compared byte-wise.
func verifyBlock(block []byte, expected metainfo.Hash) bool {
	sum := sha1.Sum(block)
	return bytes.Equal(sum[:], expected[:])
}
