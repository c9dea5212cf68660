package swarm

import "time"

// Config holds the tunables that govern choking, piece selection, and rate
// accounting for a single torrent's coordinator. All fields have sane
// defaults via DefaultConfig; a caller overrides only what it cares about.
type Config struct {
	// UnchokePeriod is how often the choke scheduler re-evaluates which
	// peers to unchoke.
	UnchokePeriod time.Duration

	// OptimisticIterations is how many unchoke ticks pass between
	// optimistic-unchoke rotations: every Nth tick, one additional
	// choked-but-interested peer is unchoked regardless of rate.
	OptimisticIterations int

	// MaxDownloadersUnchoke caps how many peers are regularly (non
	// optimistically) unchoked at once, ranked by tit-for-tat rate.
	MaxDownloadersUnchoke int

	// EndGameCompletionRatio is the fraction of pieces verified past
	// which the selector allows requesting an already-downloading piece
	// from more than one peer at a time, to close out straggling pieces.
	EndGameCompletionRatio float64

	// RateComputationIterations is how many unchoke ticks a peer's
	// upload/download rate is averaged over before it's used to rank
	// candidates for unchoking.
	RateComputationIterations int

	// MaxOutstandingRequests caps how many blocks may be in flight to a
	// single peer at once.
	MaxOutstandingRequests int

	// BlockLength is the request size used when slicing a piece into
	// blocks, absent a peer-advertised preference.
	BlockLength int32
}

// DefaultConfig returns the coordinator's baseline tunables.
func DefaultConfig() Config {
	return Config{
		UnchokePeriod:             3 * time.Second,
		OptimisticIterations:      3,
		MaxDownloadersUnchoke:     4,
		EndGameCompletionRatio:    0.95,
		RateComputationIterations: 2,
		MaxOutstandingRequests:    10,
		BlockLength:               16 * 1024,
	}
}
