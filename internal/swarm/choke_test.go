package swarm

import (
	"math/rand"
	"testing"
)

func peerWithRates(t *testing.T, addr string, up, down uint64) *sharingPeer {
	t.Helper()
	p := newSharingPeer(mustAddr(t, addr), [20]byte{byte(len(addr))}, 4)
	p.setPeerInterested(true)
	// two samples with a delta so sampleRates reports a non-zero rate
	p.sampleRates(2)
	p.uploaded.Store(up)
	p.downloaded.Store(down)
	p.sampleRates(2)
	return p
}

func TestChokeScheduler_UnchokesTopByDownloadRateWhileSharing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDownloadersUnchoke = 2
	cfg.OptimisticIterations = 0 // isolate the rate-ranked portion

	peers := []*sharingPeer{
		peerWithRates(t, "10.0.0.1:1", 0, 300),
		peerWithRates(t, "10.0.0.1:2", 0, 100),
		peerWithRates(t, "10.0.0.1:3", 0, 200),
	}

	cs := newChokeScheduler(&cfg, rand.New(rand.NewSource(1)))
	decision := cs.run(peers, false)

	if len(decision.unchoked) != 2 {
		t.Fatalf("unchoked count = %d, want 2", len(decision.unchoked))
	}

	unchokedAddrs := map[string]bool{}
	for _, p := range decision.unchoked {
		unchokedAddrs[p.key()] = true
	}
	if !unchokedAddrs["10.0.0.1:1"] || !unchokedAddrs["10.0.0.1:3"] {
		t.Fatalf("expected the two highest download-rate peers unchoked, got %v", unchokedAddrs)
	}
	if unchokedAddrs["10.0.0.1:2"] {
		t.Fatalf("lowest-rate peer should remain choked")
	}
}

func TestChokeScheduler_RanksByUploadRateWhileSeeding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDownloadersUnchoke = 1
	cfg.OptimisticIterations = 0

	peers := []*sharingPeer{
		peerWithRates(t, "10.0.0.2:1", 50, 0),
		peerWithRates(t, "10.0.0.2:2", 500, 0),
	}

	cs := newChokeScheduler(&cfg, rand.New(rand.NewSource(1)))
	decision := cs.run(peers, true)

	if len(decision.unchoked) != 1 || decision.unchoked[0].key() != "10.0.0.2:2" {
		t.Fatalf("expected the higher upload-rate peer unchoked, got %+v", decision.unchoked)
	}
}

func TestChokeScheduler_OptimisticRotationAddsOneExtra(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDownloadersUnchoke = 1
	cfg.OptimisticIterations = 1 // every tick rotates

	peers := []*sharingPeer{
		peerWithRates(t, "10.0.0.3:1", 0, 100),
		peerWithRates(t, "10.0.0.3:2", 0, 0),
		peerWithRates(t, "10.0.0.3:3", 0, 0),
	}

	cs := newChokeScheduler(&cfg, rand.New(rand.NewSource(2)))
	decision := cs.run(peers, false)

	if len(decision.unchoked) != 2 {
		t.Fatalf("unchoked count = %d, want 2 (1 ranked + 1 optimistic)", len(decision.unchoked))
	}
}

func TestChokeScheduler_ReconsiderOneRespectsSlateCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDownloadersUnchoke = 2
	cs := newChokeScheduler(&cfg, rand.New(rand.NewSource(1)))

	p := newSharingPeer(mustAddr(t, "10.0.0.4:1"), [20]byte{1}, 4)

	if !cs.reconsiderOne(p, 1) {
		t.Fatalf("expected immediate unchoke when under the slate cap")
	}
	if p.isChoking() {
		t.Fatalf("peer should be unchoked after reconsiderOne succeeds")
	}

	p2 := newSharingPeer(mustAddr(t, "10.0.0.4:2"), [20]byte{2}, 4)
	if cs.reconsiderOne(p2, 2) {
		t.Fatalf("expected no unchoke once the slate is full")
	}
}
