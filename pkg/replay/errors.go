package replay

import (
	"errors"

	"github.com/pmkol/replaycache/pkg/epoch"
	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/writeback"
)

// Errors returned by Cache. Compare with errors.Is, they are usually
// wrapped with context.
var (
	// ErrMalformedTag is returned for tags of the wrong length.
	ErrMalformedTag = tag.ErrMalformed

	// ErrEpochRegression is returned by AdvanceEpoch for an epoch that is
	// not greater than the current one.
	ErrEpochRegression = epoch.ErrRegression

	// ErrEpochNotRetained is returned for epochs outside the retention
	// window, unless NotRetainedPolicy is PolicyTreatAsReplay.
	ErrEpochNotRetained = writeback.ErrEpochNotRetained

	// ErrDurability is returned when the tag could not be persisted. The
	// tag is not accepted and the caller must not process the packet.
	ErrDurability = writeback.ErrDurability

	// ErrBackpressure is returned in non-blocking mode when the writeback
	// queue is full.
	ErrBackpressure = writeback.ErrBackpressure

	// ErrRecoveryFailed is returned by Open when the persisted state cannot
	// be loaded completely.
	ErrRecoveryFailed = errors.New("recovery failed")

	ErrCacheClosed = errors.New("cache closed")
)
