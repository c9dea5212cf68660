package swarm

import (
	"crypto/sha1"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/wrenfall/rabbit/internal/piece"
)

// pieceStatus is the lifecycle state of a single piece in the table.
type pieceStatus int

const (
	pieceMissing pieceStatus = iota
	pieceDownloading
	pieceVerified
)

// downloadingPiece tracks in-flight block requests for one piece that is
// neither fully missing nor fully verified. requested tracks block indices
// already asked for (of any peer); received tracks block indices whose
// data has arrived and been handed to storage.
type downloadingPiece struct {
	index      int
	length     int32
	blockLen   int32
	blockCount int
	requested  *roaring.Bitmap
	received   *roaring.Bitmap
	// peers holds the set of peer endpoints this piece is currently being
	// requested from, so a disconnect can release its blocks.
	peers map[string]struct{}
}

func newDownloadingPiece(index int, length, blockLen int32) *downloadingPiece {
	return &downloadingPiece{
		index:      index,
		length:     length,
		blockLen:   blockLen,
		blockCount: piece.BlockCountForPiece(length, blockLen),
		requested:  roaring.New(),
		received:   roaring.New(),
		peers:      make(map[string]struct{}),
	}
}

// nextUnrequestedBlock returns the lowest block index not yet requested,
// and whether one exists.
func (dp *downloadingPiece) nextUnrequestedBlock() (int, bool) {
	for i := 0; i < dp.blockCount; i++ {
		if !dp.requested.Contains(uint32(i)) {
			return i, true
		}
	}
	return 0, false
}

// fullyRequested reports whether every block of this piece has been asked
// for at least once (not necessarily received).
func (dp *downloadingPiece) fullyRequested() bool {
	return int(dp.requested.GetCardinality()) >= dp.blockCount
}

// fullyReceived reports whether every block has arrived.
func (dp *downloadingPiece) fullyReceived() bool {
	return int(dp.received.GetCardinality()) >= dp.blockCount
}

// releasePeer removes peerKey from the peers requesting this piece. Because
// the bitmap doesn't track per-peer ownership of a bit, the requested set is
// only reset (back to whatever's already received) once no peer remains;
// while other peers still hold the piece its requested bits are left as
// they are. The piece remains "downloading" and is re-offered by the
// selector.
func (dp *downloadingPiece) releasePeer(peerKey string) {
	delete(dp.peers, peerKey)
	if len(dp.peers) == 0 {
		dp.requested = dp.received.Clone()
	}
}

// pieceTable is the swarm-wide record of what's missing, in flight, and
// done for one torrent, plus the rarest-first availability count derived
// from connected peers' bitfields.
type pieceTable struct {
	mu           sync.Mutex
	hashes       [][sha1.Size]byte
	pieceLen     int32
	totalSize    int64
	status       []pieceStatus
	availability []int32
	downloading  map[int]*downloadingPiece
	verifiedN    int
}

func newPieceTable(hashes [][sha1.Size]byte, pieceLen int32, totalSize int64) *pieceTable {
	return &pieceTable{
		hashes:       hashes,
		pieceLen:     pieceLen,
		totalSize:    totalSize,
		status:       make([]pieceStatus, len(hashes)),
		availability: make([]int32, len(hashes)),
		downloading:  make(map[int]*downloadingPiece),
	}
}

func (pt *pieceTable) count() int { return len(pt.hashes) }

func (pt *pieceTable) pieceLength(index int) int32 {
	l, err := piece.PieceLengthAt(index, pt.totalSize, pt.pieceLen)
	if err != nil {
		return 0
	}
	return l
}

// completionRatio returns the fraction of pieces verified, in [0,1].
func (pt *pieceTable) completionRatio() float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if len(pt.status) == 0 {
		return 1
	}
	return float64(pt.verifiedN) / float64(len(pt.status))
}

// addAvailability increments the availability counter for every piece set
// in bf, called when a peer's bitfield or have message arrives.
func (pt *pieceTable) addAvailability(bf func(func(int))) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	bf(func(index int) {
		if index >= 0 && index < len(pt.availability) {
			pt.availability[index]++
		}
	})
}

// removeAvailability undoes addAvailability for a disconnecting peer.
func (pt *pieceTable) removeAvailability(bf func(func(int))) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	bf(func(index int) {
		if index >= 0 && index < len(pt.availability) && pt.availability[index] > 0 {
			pt.availability[index]--
		}
	})
}

// markVerified transitions a piece to verified, removing any downloading
// bookkeeping for it. Returns false if it was already verified.
func (pt *pieceTable) markVerified(index int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.status[index] == pieceVerified {
		return false
	}

	pt.status[index] = pieceVerified
	pt.verifiedN++
	delete(pt.downloading, index)

	return true
}

// markFailed reverts a piece to missing after a failed hash check, so it
// is selected again from scratch.
func (pt *pieceTable) markFailed(index int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.status[index] = pieceMissing
	delete(pt.downloading, index)
}

func (pt *pieceTable) isVerified(index int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.status[index] == pieceVerified
}

// verifiedIndices returns every piece index currently verified, for resume
// persistence.
func (pt *pieceTable) verifiedIndices() []int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make([]int, 0, pt.verifiedN)
	for i, st := range pt.status {
		if st == pieceVerified {
			out = append(out, i)
		}
	}
	return out
}
