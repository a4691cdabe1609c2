package transfer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrMetadataNotDelivered = errors.New("file metadata not delivered")
	ErrFileTooLarge         = errors.New("file too large")
)

// ChunkSendError identifies the chunk whose send failed. Err is the link's
// reason, if it gave one.
type ChunkSendError struct {
	FileName string
	Index    int
	Err      error
}

func (e *ChunkSendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sending %s: chunk %d not delivered", e.FileName, e.Index)
	}
	return fmt.Sprintf("sending %s: chunk %d not delivered: %v", e.FileName, e.Index, e.Err)
}

func (e *ChunkSendError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransportUnavailable}
	}
	return []error{ErrTransportUnavailable, e.Err}
}

// IntegrityError is reported when a stalled transfer is discarded.
type IntegrityError struct {
	FileName      string
	MissingChunks int
	MissingBytes  int64
	// Idle is how long the transfer had gone without a chunk.
	Idle time.Duration
}

func (e *IntegrityError) Error() string {
	if e.MissingBytes < 0 {
		return fmt.Sprintf("receiving %s: %d chunks missing, %d bytes over declared size after %s idle",
			e.FileName, e.MissingChunks, -e.MissingBytes, e.Idle)
	}
	return fmt.Sprintf("receiving %s: %d chunks missing, %d bytes short after %s idle",
		e.FileName, e.MissingChunks, e.MissingBytes, e.Idle)
}
