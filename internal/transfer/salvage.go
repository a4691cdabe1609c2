package transfer

import "time"

const (
	// SizeTolerance is how far the received byte count may drift from the
	// declared size and still count as complete.
	SizeTolerance = 1024

	DefaultSalvageTimeout = 5 * time.Second
	DefaultSettleDelay    = 100 * time.Millisecond

	// MaxPendingBytes bounds chunks buffered ahead of their metadata.
	MaxPendingBytes = 64 << 20
)

// SalvagePolicy decides whether a stalled transfer is close enough to
// complete to hand over anyway.
type SalvagePolicy struct {
	MaxMissingFraction float64
	MaxMissingChunks   int
}

var DefaultSalvagePolicy = SalvagePolicy{
	MaxMissingFraction: 0.01,
	MaxMissingChunks:   2,
}

// Shortfall describes how far a transfer is from its declared totals.
// MissingBytes is negative when more bytes arrived than declared.
type Shortfall struct {
	MissingChunks int
	MissingBytes  int64
}

func measure(fileSize, received int64, totalChunks, gotChunks int) Shortfall {
	return Shortfall{
		MissingChunks: max(0, totalChunks-gotChunks),
		MissingBytes:  fileSize - received,
	}
}

// Complete reports whether the transfer is done without salvaging.
func (s Shortfall) Complete() bool {
	return s.MissingChunks == 0 && abs(s.MissingBytes) <= SizeTolerance
}

// Allows reports whether a stalled transfer with shortfall s may be
// completed with the data on hand.
func (p SalvagePolicy) Allows(fileSize int64, s Shortfall) bool {
	if s.MissingChunks > p.MaxMissingChunks {
		return false
	}
	if fileSize <= 0 {
		return abs(s.MissingBytes) <= SizeTolerance
	}
	return float64(abs(s.MissingBytes))/float64(fileSize) < p.MaxMissingFraction
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
