package swarm

import (
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
)

// EventKind tags a Event pushed to subscribers. Names mirror the
// transport-facing callbacks a coordinator reacts to.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventConnectionFailed
	EventBitfield
	EventHave
	EventChokedBy
	EventUnchokedBy
	EventBlockSent
	EventBlockReceived
	EventPieceCompleted
	EventPeerDisconnected
	EventIOError
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnected:
		return "peer_connected"
	case EventConnectionFailed:
		return "connection_failed"
	case EventBitfield:
		return "bitfield"
	case EventHave:
		return "have"
	case EventChokedBy:
		return "choked_by"
	case EventUnchokedBy:
		return "unchoked_by"
	case EventBlockSent:
		return "block_sent"
	case EventBlockReceived:
		return "block_received"
	case EventPieceCompleted:
		return "piece_completed"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Event is one tagged notification pushed to subscribers. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	Peer     netip.AddrPort
	Index    int
	Err      error
	Finished bool // set on EventPieceCompleted when it also completed the torrent
}

// dispatcher fans Event values out to every subscriber without ever calling
// into listener code while a swarm-level lock is held: each event is sent
// without blocking onto a buffered channel per subscriber, and dropped (with
// a warning) for any subscriber whose channel is full, so a slow listener
// never stalls the coordinator's hot path.
type dispatcher struct {
	log *slog.Logger

	mu   sync.Mutex
	subs []chan Event
}

func newDispatcher(log *slog.Logger) *dispatcher {
	return &dispatcher{log: log}
}

// Subscribe returns a channel of future events. The channel is closed when
// the dispatcher is closed. Capacity 64 absorbs bursts (e.g. a have-storm
// on piece completion) without blocking the coordinator.
func (d *dispatcher) Subscribe() <-chan Event {
	ch := make(chan Event, 64)

	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()

	return ch
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			d.log.Warn("swarm: dropping event for slow subscriber", "event", ev.Kind.String())
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// handlePeerConnected implements get_or_create_peer for a freshly
// handshaken endpoint: a peer id already known merges into its existing
// record (binding the new endpoint onto it) rather than creating a
// duplicate, so a reconnect under a new address or a second simultaneous
// connection from the same remote is still tracked as one logical peer.
func (c *Coordinator) handlePeerConnected(addr netip.AddrPort, peerID [sha1.Size]byte, numPieces int) *sharingPeer {
	p, _ := c.registry.getOrCreate(addr, peerID, numPieces)
	c.dispatcher.emit(Event{Kind: EventPeerConnected, Peer: addr})
	return p
}

func (c *Coordinator) handleConnectionFailed(addr netip.AddrPort, err error) {
	c.registry.removeByAddr(addr)
	c.dispatcher.emit(Event{Kind: EventConnectionFailed, Peer: addr, Err: err})
}

func (c *Coordinator) handleBitfield(p *sharingPeer, next []byte) {
	p.mu.Lock()
	prev := p.bitfield.Clone()
	p.bitfield = append(prev[:0:0], next...)
	bf := p.bitfield
	p.mu.Unlock()

	prev.Diff(bf, func(i int) { c.table.addAvailability(forOne(i)) },
		func(i int) { c.table.removeAvailability(forOne(i)) })

	c.dispatcher.emit(Event{Kind: EventBitfield, Peer: p.addr})
}

func (c *Coordinator) handleHave(p *sharingPeer, index int) {
	if had := p.setBitAndCheck(index); !had {
		c.table.addAvailability(forOne(index))
	}
	c.dispatcher.emit(Event{Kind: EventHave, Peer: p.addr, Index: index})
}

// handleChokedBy orphans any in-flight piece the peer was serving: progress
// made so far is preserved as a partial, available for another peer to
// finish via the selector's partial-reuse step.
func (c *Coordinator) handleChokedBy(p *sharingPeer) {
	p.setPeerChoking(true)

	if dp := p.currentPiece(); dp != nil {
		c.table.mu.Lock()
		dp.releasePeer(p.key())
		c.table.mu.Unlock()
		p.setCurrentPiece(nil)
	}

	c.dispatcher.emit(Event{Kind: EventChokedBy, Peer: p.addr})
}

// handleUnchokedBy triggers selection so the transport layer can begin
// requesting blocks for whatever the selector assigns.
func (c *Coordinator) handleUnchokedBy(p *sharingPeer) *downloadingPiece {
	p.setPeerChoking(false)
	dp := c.selector.nextPieceFor(p)
	c.dispatcher.emit(Event{Kind: EventUnchokedBy, Peer: p.addr})
	return dp
}

func (c *Coordinator) handleBlockSent(p *sharingPeer, length int) {
	p.recordUpload(length)
	c.dispatcher.emit(Event{Kind: EventBlockSent, Peer: p.addr})
}

func (c *Coordinator) handleBlockReceived(p *sharingPeer, length int) {
	p.recordDownload(length)
	c.dispatcher.emit(Event{Kind: EventBlockReceived, Peer: p.addr})
}

// handleInterested is invoked by the transport layer, not directly named in
// the event table, to implement the speculative-unchoke resolution: a
// newly-interested peer is immediately considered against the current
// unchoke slate instead of waiting for the next scheduler tick.
func (c *Coordinator) handleInterested(p *sharingPeer) {
	p.setPeerInterested(true)

	unchoked := 0
	for _, peer := range c.registry.snapshot() {
		if !peer.isChoking() {
			unchoked++
		}
	}

	if c.choker.reconsiderOne(p, unchoked) {
		c.dispatcher.emit(Event{Kind: EventUnchokedBy, Peer: p.addr})
	}
}

func (c *Coordinator) handleNotInterested(p *sharingPeer) {
	p.setPeerInterested(false)
}

// handlePieceCompleted is called once the transport layer has assembled a
// full piece's worth of blocks and the store has run the hash check.
func (c *Coordinator) handlePieceCompleted(p *sharingPeer, index int, valid bool) {
	c.table.mu.Lock()
	if dp, ok := c.table.downloading[index]; ok {
		dp.releasePeer(p.key())
	}
	c.table.mu.Unlock()

	if !valid {
		c.table.markFailed(index)
		c.log.Warn("swarm: piece failed hash check, leaving missing", "index", index)
		c.dispatcher.emit(Event{Kind: EventPieceCompleted, Peer: p.addr, Index: index})
		return
	}

	if !c.table.markVerified(index) {
		return
	}

	finished := c.table.completionRatio() >= 1
	c.dispatcher.emit(Event{Kind: EventPieceCompleted, Peer: p.addr, Index: index, Finished: finished})

	if finished {
		c.finish()
	}
}

func (c *Coordinator) handlePeerDisconnected(p *sharingPeer) {
	c.registry.removeByAddr(p.addr)
	c.table.removeAvailability(p.forEachPiece)

	if dp := p.currentPiece(); dp != nil {
		c.table.mu.Lock()
		dp.releasePeer(p.key())
		c.table.mu.Unlock()
	}

	c.dispatcher.emit(Event{Kind: EventPeerDisconnected, Peer: p.addr})
}

func (c *Coordinator) handleIOError(p *sharingPeer, err error) {
	c.log.Debug("swarm: peer io error", "peer", p.addr, "err", err)
	c.handlePeerDisconnected(p)
	c.dispatcher.emit(Event{Kind: EventIOError, Peer: p.addr, Err: err})
}

// forOne adapts a single index into the func(func(int)) shape addAvailability
// and removeAvailability expect, so a Diff callback can reuse them without a
// one-off bitfield allocation.
func forOne(index int) func(func(int)) {
	return func(fn func(int)) { fn(index) }
}
