package dhtget

import (
	"errors"
)

// Error kinds reported by a Session. Concrete errors wrap one of these and are matched with
// errors.Is.
var (
	// The discovery network failed to start or the lookup failed. Rejects the discovery summary
	// only.
	ErrDiscovery = errors.New("discovery error")
	// A peer could not or would not supply metadata. Never fatal.
	ErrMetadataWarning = errors.New("metadata warning")
	// Metadata could not be decoded or failed validation. Rejects the metadata future.
	ErrMalformedMetadata = errors.New("malformed metadata")
	// A chunk request failed, or the data source went away mid-block.
	ErrChunkRequestFailed = errors.New("chunk request failed")
	// An assembled block didn't hash to the expected value.
	ErrBlockVerificationFailed = errors.New("block verification failed")
	ErrMetadataTimeout         = errors.New("metadata timeout")
	ErrChunkTimeout            = errors.New("chunk timeout")
	// A request was attempted while the source was choking us.
	ErrFlowControl   = errors.New("request while choked")
	ErrSessionClosed = errors.New("session closed")
)
