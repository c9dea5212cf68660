package swarm

import (
	"crypto/sha1"
	"net/netip"
	"sync"
)

// peerRegistry indexes connected peers by both endpoint and peer-id so the
// coordinator can recognize the same remote client reconnecting from a new
// address (rare, but seen behind NAT rebinds) and merge a second connection
// into the existing record instead of creating another. Both maps are guarded
// by one lock since they're always mutated together.
//
// Lock discipline: registry.mu is the innermost lock - never call into a
// peer's own mutex while holding it, and never acquire it from inside a
// pieceTable operation.
type peerRegistry struct {
	mu       sync.RWMutex
	byAddr   map[netip.AddrPort]*sharingPeer
	byPeerID map[[sha1.Size]byte]*sharingPeer
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		byAddr:   make(map[netip.AddrPort]*sharingPeer),
		byPeerID: make(map[[sha1.Size]byte]*sharingPeer),
	}
}

// getOrCreate implements get_or_create_peer's dual-key insertion: look up
// by peer_id first (a remote reconnecting under a new endpoint, e.g. a NAT
// rebind or a second simultaneous connection, is the same logical peer),
// binding the new endpoint key onto the existing record if found; else look
// up by endpoint and bind the peer_id key onto that record if found; else
// construct a fresh record with both keys installed. The whole sequence
// runs under one lock so both keys always point at the same record. This
// never fails; created reports whether a new record was installed.
func (r *peerRegistry) getOrCreate(addr netip.AddrPort, peerID [sha1.Size]byte, nbits int) (p *sharingPeer, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byPeerID[peerID]; ok {
		r.byAddr[addr] = p
		return p, false
	}

	if p, ok := r.byAddr[addr]; ok {
		r.byPeerID[peerID] = p
		return p, false
	}

	p = newSharingPeer(addr, peerID, nbits)
	r.byAddr[addr] = p
	r.byPeerID[peerID] = p

	return p, true
}

func (r *peerRegistry) removeByAddr(addr netip.AddrPort) (*sharingPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}

	delete(r.byAddr, addr)
	delete(r.byPeerID, p.id)

	return p, true
}

func (r *peerRegistry) getByAddr(addr netip.AddrPort) (*sharingPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[addr]
	return p, ok
}

func (r *peerRegistry) getByPeerID(id [sha1.Size]byte) (*sharingPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPeerID[id]
	return p, ok
}

func (r *peerRegistry) hasPeerID(id [sha1.Size]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPeerID[id]
	return ok
}

// snapshot returns a stable slice of every registered peer for iteration
// without holding the registry lock across the caller's work. A peer bound
// under several endpoints appears once.
func (r *peerRegistry) snapshot() []*sharingPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sharingPeer, 0, len(r.byAddr))
	seen := make(map[*sharingPeer]struct{}, len(r.byAddr))
	for _, p := range r.byAddr {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}

func (r *peerRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}
