package swarm

import (
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return addr
}

func TestPeerRegistry_GetOrCreateByPeerIDMergesNewEndpoint(t *testing.T) {
	r := newPeerRegistry()
	id := [20]byte{1}
	addr1 := mustAddr(t, "1.2.3.4:6881")
	addr2 := mustAddr(t, "1.2.3.4:7000")

	p1, created := r.getOrCreate(addr1, id, 4)
	if !created {
		t.Fatalf("expected the first getOrCreate to create a record")
	}

	p2, created := r.getOrCreate(addr2, id, 4)
	if created {
		t.Fatalf("expected the second getOrCreate (same peer id) to merge, not create")
	}
	if p1 != p2 {
		t.Fatalf("expected both lookups to return the same record")
	}

	if got, ok := r.getByAddr(addr1); !ok || got != p1 {
		t.Fatalf("record no longer reachable by its original endpoint")
	}
	if got, ok := r.getByAddr(addr2); !ok || got != p1 {
		t.Fatalf("record not reachable by its newly bound endpoint")
	}
	if got, ok := r.getByPeerID(id); !ok || got != p1 {
		t.Fatalf("record not reachable by peer id")
	}
	if r.count() != 2 {
		t.Fatalf("count = %d, want 2 (both endpoints indexed)", r.count())
	}
}

func TestPeerRegistry_GetOrCreateByAddrMergesNewPeerID(t *testing.T) {
	r := newPeerRegistry()
	addr := mustAddr(t, "10.0.0.1:6881")

	p1, created := r.getOrCreate(addr, [20]byte{1}, 4)
	if !created {
		t.Fatalf("expected the first getOrCreate to create a record")
	}

	// A peer id learned late (e.g. the handshake arrives after some other
	// binding) for an already-known endpoint binds onto the same record.
	p2, created := r.getOrCreate(addr, [20]byte{2}, 4)
	if created {
		t.Fatalf("expected the second getOrCreate (same endpoint) to merge, not create")
	}
	if p1 != p2 {
		t.Fatalf("expected both lookups to return the same record")
	}

	if _, ok := r.getByPeerID([20]byte{1}); !ok {
		t.Fatalf("record not reachable by its original peer id")
	}
	if _, ok := r.getByPeerID([20]byte{2}); !ok {
		t.Fatalf("record not reachable by its newly bound peer id")
	}
}

func TestPeerRegistry_RemoveByAddrClearsBothIndexes(t *testing.T) {
	r := newPeerRegistry()
	addr := mustAddr(t, "10.0.0.2:6881")
	id := [20]byte{9}

	p, _ := r.getOrCreate(addr, id, 4)

	removed, ok := r.removeByAddr(addr)
	if !ok || removed != p {
		t.Fatalf("removeByAddr = (%v,%v), want (p,true)", removed, ok)
	}

	if _, ok := r.getByAddr(addr); ok {
		t.Fatalf("peer still present by addr after removal")
	}
	if _, ok := r.getByPeerID(id); ok {
		t.Fatalf("peer still present by id after removal")
	}
	if r.count() != 0 {
		t.Fatalf("count = %d, want 0", r.count())
	}
}

func TestPeerRegistry_Snapshot(t *testing.T) {
	r := newPeerRegistry()
	_, _ = r.getOrCreate(mustAddr(t, "10.0.0.3:1"), [20]byte{1}, 1)
	_, _ = r.getOrCreate(mustAddr(t, "10.0.0.3:2"), [20]byte{2}, 1)

	snap := r.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
}
