package swarm

import (
	"crypto/sha1"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wrenfall/rabbit/internal/bitfield"
)

// sharingPeer is the coordinator's view of one connected remote: its
// advertised pieces, the choke/interest state in both directions, and the
// byte counters the choke scheduler ranks candidates by.
//
// Lock discipline: the order is peer -> coordinator (piece table) ->
// registry; peer.mu is never acquired while the piece-table or registry
// lock is held, which is why callers snapshot peer state before taking
// either of those. uploaded/downloaded
// are updated off the hot path by the transport layer and are therefore
// atomic rather than mutex-guarded, so rate sampling never blocks I/O.
type sharingPeer struct {
	addr   netip.AddrPort
	id     [sha1.Size]byte
	connAt time.Time

	mu          sync.Mutex
	bitfield    bitfield.Bitfield
	amChoking   bool
	amInterestd bool
	peerChoking bool
	peerIntrstd bool
	piece       *downloadingPiece // piece currently being requested from this peer, if any

	uploaded    atomic.Uint64
	downloaded  atomic.Uint64
	lastUpload  atomic.Int64 // unix nanos, for rate windows
	lastDownld  atomic.Int64
	rateHistory []rateSample // protected by mu; most recent last
}

// rateSample is one tick's worth of byte counters, used to average a
// peer's transfer rate over Config.RateComputationIterations ticks.
type rateSample struct {
	uploaded   uint64
	downloaded uint64
}

func newSharingPeer(addr netip.AddrPort, id [sha1.Size]byte, nbits int) *sharingPeer {
	return &sharingPeer{
		addr:        addr,
		id:          id,
		connAt:      time.Now(),
		bitfield:    bitfield.New(nbits),
		amChoking:   true,
		peerChoking: true,
	}
}

func (p *sharingPeer) key() string { return p.addr.String() }

// recordUpload/recordDownload are called by the transport layer as bytes
// cross the wire; they never block on p.mu.
func (p *sharingPeer) recordUpload(n int) {
	p.uploaded.Add(uint64(n))
	p.lastUpload.Store(time.Now().UnixNano())
}

func (p *sharingPeer) recordDownload(n int) {
	p.downloaded.Add(uint64(n))
	p.lastDownld.Store(time.Now().UnixNano())
}

// sampleRates appends the current cumulative counters as a tick sample and
// trims history to at most maxIterations+1 samples (maxIterations tick
// intervals), then returns the per-tick delta rates averaged over the
// retained window.
func (p *sharingPeer) sampleRates(maxIterations int) (uploadRate, downloadRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := rateSample{uploaded: p.uploaded.Load(), downloaded: p.downloaded.Load()}
	p.rateHistory = append(p.rateHistory, cur)
	if len(p.rateHistory) > maxIterations+1 {
		p.rateHistory = p.rateHistory[len(p.rateHistory)-(maxIterations+1):]
	}

	if len(p.rateHistory) < 2 {
		return 0, 0
	}

	first := p.rateHistory[0]
	ticks := float64(len(p.rateHistory) - 1)

	return float64(cur.uploaded-first.uploaded) / ticks,
		float64(cur.downloaded-first.downloaded) / ticks
}

func (p *sharingPeer) setChoking(choking bool) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = p.amChoking != choking
	p.amChoking = choking
	return changed
}

func (p *sharingPeer) isChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

func (p *sharingPeer) setPeerChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerChoking = choking
}

func (p *sharingPeer) isPeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

func (p *sharingPeer) setPeerInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerIntrstd = interested
}

func (p *sharingPeer) isPeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerIntrstd
}

func (p *sharingPeer) setAmInterested(interested bool) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = p.amInterestd != interested
	p.amInterestd = interested
	return changed
}

func (p *sharingPeer) isAmInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterestd
}

func (p *sharingPeer) setBitAndCheck(index int) (had bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	had = p.bitfield.Has(index)
	p.bitfield.Set(index)
	return had
}

func (p *sharingPeer) forEachPiece(fn func(int)) {
	p.mu.Lock()
	bf := p.bitfield.Clone()
	p.mu.Unlock()
	bf.ForEachSet(fn)
}

// snapshotBitfield clones the peer's bitfield under its own lock and
// returns the copy for the caller to inspect afterward. Used by the
// selector so it never holds the swarm lock and the peer lock at once:
// snapshot first, then lock the piece table and read the snapshot.
func (p *sharingPeer) snapshotBitfield() bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.Clone()
}

func (p *sharingPeer) currentPiece() *downloadingPiece {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.piece
}

func (p *sharingPeer) setCurrentPiece(dp *downloadingPiece) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.piece = dp
}

// PeerMetrics is the read-only snapshot of one peer's state exposed to
// status lines and external callers.
type PeerMetrics struct {
	Addr        netip.AddrPort
	ConnectedAt time.Time
	AmChoking   bool
	PeerChoking bool
	Interested  bool
	Uploaded    uint64
	Downloaded  uint64
	Pieces      int
}

func (p *sharingPeer) metrics() PeerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PeerMetrics{
		Addr:        p.addr,
		ConnectedAt: p.connAt,
		AmChoking:   p.amChoking,
		PeerChoking: p.peerChoking,
		Interested:  p.peerIntrstd,
		Uploaded:    p.uploaded.Load(),
		Downloaded:  p.downloaded.Load(),
		Pieces:      p.bitfield.Count(),
	}
}
