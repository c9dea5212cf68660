package swarm

import (
	"crypto/sha1"
	"testing"
)

func testHashes(n int) [][sha1.Size]byte {
	hashes := make([][sha1.Size]byte, n)
	for i := range hashes {
		hashes[i] = sha1.Sum([]byte{byte(i)})
	}
	return hashes
}

func TestPieceTable_AvailabilityTracksPeers(t *testing.T) {
	pt := newPieceTable(testHashes(4), 16, 64)

	pt.addAvailability(forOne(1))
	pt.addAvailability(forOne(1))
	pt.addAvailability(forOne(2))

	if got := pt.availability[1]; got != 2 {
		t.Fatalf("availability[1] = %d, want 2", got)
	}
	if got := pt.availability[2]; got != 1 {
		t.Fatalf("availability[2] = %d, want 1", got)
	}

	pt.removeAvailability(forOne(1))
	if got := pt.availability[1]; got != 1 {
		t.Fatalf("availability[1] after remove = %d, want 1", got)
	}

	// never goes negative
	pt.removeAvailability(forOne(3))
	if got := pt.availability[3]; got != 0 {
		t.Fatalf("availability[3] = %d, want 0", got)
	}
}

func TestPieceTable_MarkVerifiedIsIdempotent(t *testing.T) {
	pt := newPieceTable(testHashes(4), 16, 64)
	pt.downloading[0] = newDownloadingPiece(0, 16, 8)

	if !pt.markVerified(0) {
		t.Fatalf("first markVerified should return true")
	}
	if pt.markVerified(0) {
		t.Fatalf("second markVerified should return false")
	}
	if _, ok := pt.downloading[0]; ok {
		t.Fatalf("downloading entry should be cleared on verification")
	}
	if pt.completionRatio() != 0.25 {
		t.Fatalf("completionRatio = %v, want 0.25", pt.completionRatio())
	}
}

func TestPieceTable_MarkFailedRevertsToMissing(t *testing.T) {
	pt := newPieceTable(testHashes(2), 16, 32)
	pt.downloading[0] = newDownloadingPiece(0, 16, 8)
	pt.status[0] = pieceDownloading

	pt.markFailed(0)

	if pt.status[0] != pieceMissing {
		t.Fatalf("status after markFailed = %v, want pieceMissing", pt.status[0])
	}
	if _, ok := pt.downloading[0]; ok {
		t.Fatalf("downloading entry should be cleared on failure")
	}
}

func TestDownloadingPiece_NextUnrequestedBlock(t *testing.T) {
	dp := newDownloadingPiece(0, 20, 8) // 3 blocks: 8,8,4

	idx, ok := dp.nextUnrequestedBlock()
	if !ok || idx != 0 {
		t.Fatalf("first unrequested = (%d,%v), want (0,true)", idx, ok)
	}

	dp.requested.Add(0)
	idx, ok = dp.nextUnrequestedBlock()
	if !ok || idx != 1 {
		t.Fatalf("second unrequested = (%d,%v), want (1,true)", idx, ok)
	}

	dp.requested.Add(1)
	dp.requested.Add(2)
	if !dp.fullyRequested() {
		t.Fatalf("expected fullyRequested once all 3 blocks requested")
	}

	dp.received.Add(0)
	dp.received.Add(1)
	if dp.fullyReceived() {
		t.Fatalf("fullyReceived should be false with one block outstanding")
	}
	dp.received.Add(2)
	if !dp.fullyReceived() {
		t.Fatalf("expected fullyReceived once all 3 blocks received")
	}
}

func TestDownloadingPiece_ReleasePeerOrphansRemainingBlocks(t *testing.T) {
	dp := newDownloadingPiece(0, 16, 8) // 2 blocks
	dp.peers["a"] = struct{}{}
	dp.peers["b"] = struct{}{}

	dp.requested.Add(0)
	dp.requested.Add(1)
	dp.received.Add(0)

	dp.releasePeer("a")
	if len(dp.peers) != 1 {
		t.Fatalf("expected one peer left after releasing a")
	}
	if !dp.requested.Contains(1) {
		t.Fatalf("requested bits should be untouched while another peer remains")
	}

	dp.releasePeer("b")
	if len(dp.peers) != 0 {
		t.Fatalf("expected no peers left")
	}
	// the orphaned piece's requested set collapses back to what's actually
	// received, so block 1 becomes requestable again by whichever peer picks
	// it up next.
	if dp.requested.Contains(1) {
		t.Fatalf("block 1 should be requestable again after the last peer left")
	}
	if !dp.requested.Contains(0) {
		t.Fatalf("block 0 was received, should remain marked requested")
	}
}
