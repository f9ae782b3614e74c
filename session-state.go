package dhtget

import (
	"fmt"
)

type State int32

const (
	StateInit State = iota
	StateDiscoveryPending
	StateAwaitingMetadata
	StateMetadataReady
	StateDownloading
	StateVerifying
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateDiscoveryPending: "DISCOVERY_PENDING",
	StateAwaitingMetadata: "AWAITING_METADATA",
	StateMetadataReady:    "METADATA_READY",
	StateDownloading:      "DOWNLOADING",
	StateVerifying:        "VERIFYING",
	StateComplete:         "COMPLETE",
	StateFailed:           "FAILED",
}

func (me State) String() string {
	if me < 0 || int(me) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(me))
	}
	return stateNames[me]
}

// No further transitions happen from a terminal state.
func (me State) Terminal() bool {
	return me == StateComplete || me == StateFailed
}
