package transfer

import "errors"

// File-level error taxonomy. Chunk-level failures are handled inside the
// download scheduler; only these reach callers.
var (
	// ErrSizeLimitExceeded is returned before chunking when a file is larger than the advertised limit
	ErrSizeLimitExceeded = errors.New("file size exceeds limit")

	// ErrNoSeedersAvailable is returned when a download is started with an empty peer set
	ErrNoSeedersAvailable = errors.New("no seeders available")

	// ErrChunkVerificationFailed is returned when a chunk hash mismatch exhausts every peer's retry budget
	ErrChunkVerificationFailed = errors.New("chunk verification failed")

	// ErrPeerSessionLost is returned when every peer session closed before the download completed
	ErrPeerSessionLost = errors.New("peer session lost")

	// ErrTransportSetupFailed wraps connection-setup handshake errors
	ErrTransportSetupFailed = errors.New("transport setup failed")

	// ErrIncompleteChunkSet is returned by the reconstructor when chunks are missing
	ErrIncompleteChunkSet = errors.New("incomplete chunk set")

	// ErrInvalidDescriptor is returned when a file descriptor violates its invariants
	ErrInvalidDescriptor = errors.New("invalid file descriptor")

	// ErrNotOpen is returned when sending on a session that is not open
	ErrNotOpen = errors.New("session is not open")

	// ErrDownloadCancelled is returned when a download is stopped before completion
	ErrDownloadCancelled = errors.New("download cancelled")

	// ErrInvalidConfiguration is returned for configurations that fail validation
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ErrDownloadInProgress is returned when a node is already downloading the same file
var ErrDownloadInProgress = errors.New("download already in progress")
