package swarm

import (
	"math/rand"
	"sort"
)

// chokeScheduler implements the tit-for-tat unchoke policy: on each tick it
// ranks interested peers by recent download rate (we reward peers that send
// us data) and unchokes the top MaxDownloadersUnchoke, then rotates in one
// extra optimistic unchoke every OptimisticIterations ticks so new or slow
// peers get a chance to prove themselves.
//
// Besides the periodic tick, the coordinator calls reconsiderOne directly from
// the interested-message handler so a newly-interested peer isn't left
// choked until the next tick just because it arrived between ticks.
type chokeScheduler struct {
	cfg *Config
	rng *rand.Rand

	tick        int
	optimisticN int // not read or advanced; optimistic turns come from tick % OptimisticIterations in run
}

func newChokeScheduler(cfg *Config, rng *rand.Rand) *chokeScheduler {
	return &chokeScheduler{cfg: cfg, rng: rng}
}

// chokeDecision is the outcome of one scheduling pass, reported to the
// event dispatcher by the coordinator.
type chokeDecision struct {
	unchoked []*sharingPeer
	choked   []*sharingPeer
}

// run evaluates every peer in peers and returns the peers to unchoke and to
// choke relative to their current state. It does not mutate peer state
// itself; the coordinator applies the decision and emits events. Ranking is
// by download rate while the torrent is still sharing and by upload rate
// once it has transitioned to seeding, per the rationale that a seed has
// nothing left to download and so ranks peers by what it's giving them.
func (cs *chokeScheduler) run(peers []*sharingPeer, seeding bool) chokeDecision {
	cs.tick++

	interested := make([]*sharingPeer, 0, len(peers))
	for _, p := range peers {
		if p.isPeerInterested() {
			interested = append(interested, p)
		}
	}

	// sampleRates mutates each peer's rate history (append + trim), so it
	// must be called exactly once per peer per tick; calling it from the
	// less-func would resample (and decay) a peer on every comparison.
	upload := make(map[string]float64, len(interested))
	download := make(map[string]float64, len(interested))
	for _, p := range interested {
		u, d := p.sampleRates(cs.cfg.RateComputationIterations)
		upload[p.key()] = u
		download[p.key()] = d
	}

	sort.SliceStable(interested, func(i, j int) bool {
		ki, kj := interested[i].key(), interested[j].key()
		if seeding {
			return upload[ki] > upload[kj]
		}
		return download[ki] > download[kj]
	})

	keep := cs.cfg.MaxDownloadersUnchoke
	if keep > len(interested) {
		keep = len(interested)
	}

	want := make(map[string]struct{}, keep+1)
	for _, p := range interested[:keep] {
		want[p.key()] = struct{}{}
	}

	if cs.cfg.OptimisticIterations > 0 && cs.tick%cs.cfg.OptimisticIterations == 0 {
		if opt := cs.pickOptimistic(interested, want); opt != nil {
			want[opt.key()] = struct{}{}
		}
	}

	return cs.applyWantSet(peers, want)
}

// pickOptimistic chooses a random choked, interested peer outside the
// current want set to unchoke regardless of rate.
func (cs *chokeScheduler) pickOptimistic(interested []*sharingPeer, want map[string]struct{}) *sharingPeer {
	var eligible []*sharingPeer
	for _, p := range interested {
		if _, already := want[p.key()]; already {
			continue
		}
		if p.isChoking() {
			eligible = append(eligible, p)
		}
	}

	if len(eligible) == 0 {
		return nil
	}

	return eligible[cs.rng.Intn(len(eligible))]
}

func (cs *chokeScheduler) applyWantSet(peers []*sharingPeer, want map[string]struct{}) chokeDecision {
	var decision chokeDecision

	for _, p := range peers {
		_, shouldUnchoke := want[p.key()]
		if shouldUnchoke && p.setChoking(false) {
			decision.unchoked = append(decision.unchoked, p)
		} else if !shouldUnchoke && p.setChoking(true) {
			decision.choked = append(decision.choked, p)
		}
	}

	return decision
}

// reconsiderOne re-evaluates a single peer against the scheduler's last
// want-set boundary immediately, without waiting for the next tick. It is
// invoked from the interested-message handler: if fewer than
// MaxDownloadersUnchoke peers are currently unchoked, the newly-interested
// peer is unchoked right away rather than left waiting out the tick period.
func (cs *chokeScheduler) reconsiderOne(p *sharingPeer, unchokedCount int) bool {
	if !p.isChoking() {
		return false
	}
	if unchokedCount >= cs.cfg.MaxDownloadersUnchoke {
		return false
	}
	return p.setChoking(false)
}
