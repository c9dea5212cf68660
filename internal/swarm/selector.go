package swarm

import "math/rand"

// pieceSelector implements next_piece_for: given a peer, decide which
// piece the coordinator should request blocks of from it next.
//
// Selection order:
//  1. Current piece: if the peer already has a piece assigned to it
//     (from a previous call) that still has unrequested blocks, keep
//     requesting that one rather than starting a new piece.
//  2. Partial reuse: an orphaned downloading piece (no peer currently
//     requesting it) that the peer has and that still has unrequested
//     blocks (selectPartial).
//  3. Rarest-first: among pieces the peer has that are Missing or already
//     Downloading (and not fully requested), pick the one with the
//     lowest availability count. Ties broken uniformly at random so the
//     swarm doesn't converge on requesting pieces in index order.
//  4. End-game: once the torrent has verified at least
//     Config.EndGameCompletionRatio of its pieces, a peer may be assigned
//     an already-fully-requested Downloading piece (duplicate request
//     across peers) so the last few straggling pieces complete faster.
//
// Returns nil if the peer has nothing worth requesting right now.
type pieceSelector struct {
	cfg   *Config
	table *pieceTable
	rng   *rand.Rand
}

func newPieceSelector(cfg *Config, table *pieceTable, rng *rand.Rand) *pieceSelector {
	return &pieceSelector{cfg: cfg, table: table, rng: rng}
}

func (s *pieceSelector) nextPieceFor(p *sharingPeer) *downloadingPiece {
	if dp := p.currentPiece(); dp != nil {
		s.table.mu.Lock()
		_, stillOpen := dp.nextUnrequestedBlock()
		s.table.mu.Unlock()
		if stillOpen {
			return dp
		}
	}

	dp := s.selectPartial(p)
	if dp == nil {
		dp = s.selectRarestFirst(p)
	}
	if dp == nil && s.table.completionRatio() >= s.cfg.EndGameCompletionRatio {
		dp = s.selectEndGame(p)
	}
	if dp != nil {
		dp.peers[p.key()] = struct{}{}
		p.setCurrentPiece(dp)
	}

	return dp
}

// selectPartial looks for an orphaned downloading piece (one no peer is
// currently requesting from, left behind by a choke or disconnect) that the
// peer can serve and that still has unrequested blocks.
func (s *pieceSelector) selectPartial(p *sharingPeer) *downloadingPiece {
	// Snapshot the peer's bitfield before taking the table lock: the swarm
	// lock is never held while acquiring a peer lock.
	have := p.snapshotBitfield()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	for index, dp := range s.table.downloading {
		if len(dp.peers) != 0 {
			continue
		}
		if !have.Has(index) {
			continue
		}
		if _, ok := dp.nextUnrequestedBlock(); ok {
			return dp
		}
	}

	return nil
}

// selectRarestFirst picks the rarest piece the peer has that isn't
// verified and isn't already fully requested.
func (s *pieceSelector) selectRarestFirst(p *sharingPeer) *downloadingPiece {
	have := p.snapshotBitfield()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	var candidates []int
	bestAvail := int32(-1)

	have.ForEachSet(func(index int) {
		if index >= len(s.table.status) {
			return
		}
		if s.table.status[index] == pieceVerified {
			return
		}
		if dp, ok := s.table.downloading[index]; ok && dp.fullyRequested() {
			return
		}

		avail := s.table.availability[index]
		switch {
		case bestAvail == -1 || avail < bestAvail:
			bestAvail = avail
			candidates = candidates[:0]
			candidates = append(candidates, index)
		case avail == bestAvail:
			candidates = append(candidates, index)
		}
	})

	if len(candidates) == 0 {
		return nil
	}

	index := candidates[s.rng.Intn(len(candidates))]

	dp, ok := s.table.downloading[index]
	if !ok {
		dp = newDownloadingPiece(index, s.table.pieceLength(index), s.cfg.BlockLength)
		s.table.downloading[index] = dp
		s.table.status[index] = pieceDownloading
	}

	return dp
}

// selectEndGame allows a peer to join an already-fully-requested piece so
// straggling last pieces aren't held up by one slow or stalled peer.
func (s *pieceSelector) selectEndGame(p *sharingPeer) *downloadingPiece {
	have := p.snapshotBitfield()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	var candidates []*downloadingPiece

	have.ForEachSet(func(index int) {
		dp, ok := s.table.downloading[index]
		if !ok || dp.fullyReceived() {
			return
		}
		if _, already := dp.peers[p.key()]; already {
			return
		}
		candidates = append(candidates, dp)
	})

	if len(candidates) == 0 {
		return nil
	}

	return candidates[s.rng.Intn(len(candidates))]
}
