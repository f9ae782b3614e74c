package dhtget

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/anacrolix/missinggo/v2/panicif"
)

// Prefix for generated peer IDs, in the Azureus style described by BEP 20.
const DefaultBep20Prefix = "-DG0001-"

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

// Fills the rest of the ID with random bytes after the given prefix.
func GeneratePeerID(prefix string) (ret PeerID) {
	panicif.GreaterThan(len(prefix), len(ret))
	n := copy(ret[:], prefix)
	_, err := rand.Read(ret[n:])
	panicif.Err(err)
	return
}
