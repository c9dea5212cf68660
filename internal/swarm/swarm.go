// Package swarm implements the per-torrent swarm coordinator: the peer
// registry, rarest-first/end-game piece selector, tit-for-tat choke
// scheduler, and event dispatcher that together decide which pieces to
// fetch from which remote peers and which peers we serve in return.
//
// The coordinator never performs network I/O itself. It is driven by a
// Transport implementation that owns the actual sockets and calls back into
// the consumer interface (OnHandshakeComplete, OnMessage, OnIOError,
// OnDisconnect) as bytes arrive, and is in turn told what to do via the
// Transport interface (Send, RequestBlock, CancelBlock, Close).
package swarm

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/wrenfall/rabbit/internal/bitfield"
	"github.com/wrenfall/rabbit/internal/protocol"
	"github.com/wrenfall/rabbit/internal/storage"
)

// TorrentState is the coordinator's phase, exposed for status reporting and
// used internally to switch the choke scheduler's ranking metric.
type TorrentState int

const (
	StateSharing TorrentState = iota
	StateSeeding
)

func (s TorrentState) String() string {
	if s == StateSeeding {
		return "seeding"
	}
	return "sharing"
}

// Store is the subset of the piece store the coordinator depends on to
// buffer, validate, and serve pieces. internal/storage.Store satisfies
// this.
type Store interface {
	BufferBlock(data []byte, bi storage.BlockInfo)
	FlushPiece(index int, hash [sha1.Size]byte) error
	ReadBlock(pieceIndex int, begin, length uint32) ([]byte, error)
}

// Transport is the coordinator's outbound collaborator: everything the core
// decides gets carried out here, never by the coordinator touching a
// socket directly.
type Transport interface {
	Send(peer netip.AddrPort, msg *protocol.Message) error
	RequestBlock(peer netip.AddrPort, piece int, offset, length uint32) error
	CancelBlock(peer netip.AddrPort, piece int, offset, length uint32) error
	Close(peer netip.AddrPort) error
}

// Coordinator is the swarm coordinator for one torrent. Exported methods are
// safe for concurrent use; most are intended to be called from a single
// transport-driven goroutine per peer plus one timer goroutine for Tick.
type Coordinator struct {
	cfg   Config
	log   *slog.Logger
	store Store
	tr    Transport

	table      *pieceTable
	registry   *peerRegistry
	choker     *chokeScheduler
	selector   *pieceSelector
	dispatcher *dispatcher

	stateMu sync.Mutex
	state   TorrentState
	closed  bool

	uploaded   byteCounter
	downloaded byteCounter
}

// byteCounter is a tiny monotone counter for cumulative transfer totals.
type byteCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *byteCounter) add(n int) {
	c.mu.Lock()
	c.n += uint64(n)
	c.mu.Unlock()
}

func (c *byteCounter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// NewCoordinator constructs a coordinator for a torrent with the given
// piece hashes (one SHA-1 per piece, in order), piece length, and total
// content size. completed marks pieces already verified (e.g. from resume
// state) as done up front.
func NewCoordinator(cfg Config, hashes [][sha1.Size]byte, pieceLen int32, totalSize int64, store Store, tr Transport, log *slog.Logger, completed []int) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	table := newPieceTable(hashes, pieceLen, totalSize)
	for _, idx := range completed {
		if idx >= 0 && idx < table.count() {
			table.markVerified(idx)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		store:      store,
		tr:         tr,
		table:      table,
		registry:   newPeerRegistry(),
		choker:     newChokeScheduler(&cfg, rng),
		dispatcher: newDispatcher(log),
	}
	c.selector = newPieceSelector(&cfg, table, rng)

	if table.completionRatio() >= 1 {
		c.state = StateSeeding
	}

	return c
}

// SetTransport binds the coordinator's outbound collaborator. It exists
// because the transport manager's constructor takes the coordinator as its
// own consumer-callback collaborator, so the two can't be built in a single
// expression; call it once before any peer traffic arrives.
func (c *Coordinator) SetTransport(tr Transport) { c.tr = tr }

// Subscribe returns a channel of every event the coordinator emits, for
// status lines or external bookkeeping.
func (c *Coordinator) Subscribe() <-chan Event { return c.dispatcher.Subscribe() }

// PieceCount, CompletionRatio, Uploaded and Downloaded report torrent-wide
// progress.
func (c *Coordinator) PieceCount() int          { return c.table.count() }
func (c *Coordinator) CompletionRatio() float64 { return c.table.completionRatio() }
func (c *Coordinator) Uploaded() uint64         { return c.uploaded.load() }
func (c *Coordinator) Downloaded() uint64       { return c.downloaded.load() }

// VerifiedPieces returns every piece index currently verified, for resume
// persistence between runs.
func (c *Coordinator) VerifiedPieces() []int { return c.table.verifiedIndices() }

func (c *Coordinator) State() TorrentState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// Stop tears the coordinator down: it stops accepting new work and closes
// the event dispatcher. Already-registered peers are left to the caller to
// disconnect via the transport.
func (c *Coordinator) Stop() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return ErrCoordinatorClosed
	}
	c.closed = true
	c.stateMu.Unlock()

	c.dispatcher.close()
	return nil
}

// OnHandshakeComplete registers a newly handshaken peer, merging it into an
// existing record if the peer id or endpoint is already known (see
// get_or_create_peer in handlePeerConnected). The bool return reports
// whether the connection was accepted; the only rejection is a closed
// coordinator.
func (c *Coordinator) OnHandshakeComplete(addr netip.AddrPort, peerID [sha1.Size]byte, numPieces int) (bool, error) {
	if c.isClosed() {
		return false, ErrCoordinatorClosed
	}

	c.handlePeerConnected(addr, peerID, numPieces)
	return true, nil
}

// AddPeerCandidate is a no-op hook point for a future outbound-connect
// policy; today the coordinator is purely reactive and expects the
// transport/tracker pairing to initiate connections on its own. It exists
// so that pairing can be added without changing the consumer interface.
func (c *Coordinator) AddPeerCandidate(addr netip.AddrPort) {}

// OnMessage dispatches one peer-wire message to its handler. peer must have
// already been registered via OnHandshakeComplete.
func (c *Coordinator) OnMessage(addr netip.AddrPort, msg *protocol.Message) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}

	p, ok := c.registry.getByAddr(addr)
	if !ok {
		return ErrUnknownPeer
	}

	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		c.handleChokedBy(p)
	case protocol.Unchoke:
		if dp := c.handleUnchokedBy(p); dp != nil {
			c.requestNextBlock(p, dp)
		}
	case protocol.Interested:
		c.handleInterested(p)
	case protocol.NotInterested:
		c.handleNotInterested(p)
	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return c.protocolViolation(p, "malformed have")
		}
		if int(index) >= c.table.count() {
			return c.protocolViolation(p, "have index out of range")
		}
		c.handleHave(p, int(index))
	case protocol.Bitfield:
		if len(msg.Payload)*8 < c.table.count() {
			return c.protocolViolation(p, "bitfield too short for piece count")
		}
		if bitfield.FromBytes(msg.Payload).HasSetBeyond(c.table.count()) {
			return c.protocolViolation(p, "bitfield sets a spare bit past the piece count")
		}
		c.handleBitfield(p, msg.Payload)
	case protocol.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return c.protocolViolation(p, "malformed request")
		}
		if p.isChoking() {
			return nil // a choked peer asking for a block is ignored, not fatal
		}
		if int(index) >= c.table.count() || !c.table.isVerified(int(index)) {
			return c.protocolViolation(p, "request for piece we don't have")
		}
		block, err := c.store.ReadBlock(int(index), begin, length)
		if err != nil {
			return fmt.Errorf("swarm: serve request: %w", &TransientPeerError{Peer: addr.String(), Err: err})
		}
		if err := c.tr.Send(addr, protocol.MessagePiece(index, begin, block)); err != nil {
			return fmt.Errorf("swarm: serve request: %w", &TransientPeerError{Peer: addr.String(), Err: err})
		}
		c.handleBlockSent(p, len(block))
		c.uploaded.add(len(block))
	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return c.protocolViolation(p, "malformed piece")
		}
		return c.onBlockReceived(p, int(index), begin, block)
	case protocol.Cancel:
		// best-effort: nothing buffered server-side to cancel in this design
	default:
		return c.protocolViolation(p, fmt.Sprintf("unknown message id %d", msg.ID))
	}

	return nil
}

func (c *Coordinator) protocolViolation(p *sharingPeer, reason string) error {
	c.log.Warn("swarm: protocol violation, dropping peer", "peer", p.addr, "reason", reason)
	c.handlePeerDisconnected(p)
	_ = c.tr.Close(p.addr)
	return &ProtocolViolation{Peer: p.addr.String(), Reason: reason}
}

// onBlockReceived records an arrived block against the peer's assigned
// piece, requests the next block if the piece isn't done, or hands the
// piece to the store for a hash check once every block is in.
func (c *Coordinator) onBlockReceived(p *sharingPeer, index int, begin uint32, block []byte) error {
	dp := p.currentPiece()
	if dp == nil || dp.index != index {
		return c.protocolViolation(p, "piece for block we never requested")
	}

	c.handleBlockReceived(p, len(block))
	c.downloaded.add(len(block))

	blockIdx := int(begin / uint32(dp.blockLen))

	c.store.BufferBlock(block, storage.BlockInfo{
		PieceIndex:  index,
		BlockIndex:  blockIdx,
		PieceLength: c.table.pieceLen,
		BlockLength: dp.blockLen,
		IsLastPiece: index == c.table.count()-1,
		Size:        c.table.totalSize,
	})

	c.table.mu.Lock()
	dp.received.Add(uint32(blockIdx))
	done := dp.fullyReceived()
	c.table.mu.Unlock()

	if !done {
		c.requestNextBlock(p, dp)
		return nil
	}

	valid := c.store.FlushPiece(index, c.table.hashes[index]) == nil
	c.handlePieceCompleted(p, index, valid)

	if valid {
		c.broadcastHave(index)
	}

	p.setCurrentPiece(nil)
	if nextDp := c.selector.nextPieceFor(p); nextDp != nil {
		c.requestNextBlock(p, nextDp)
	}

	return nil
}

func (c *Coordinator) requestNextBlock(p *sharingPeer, dp *downloadingPiece) {
	c.table.mu.Lock()
	blockIdx, ok := dp.nextUnrequestedBlock()
	if ok {
		dp.requested.Add(uint32(blockIdx))
	}
	c.table.mu.Unlock()

	if !ok {
		return
	}

	begin := uint32(blockIdx) * uint32(dp.blockLen)
	length := uint32(dp.blockLen)
	if remaining := uint32(dp.length) - begin; length > remaining {
		length = remaining
	}

	if err := c.tr.RequestBlock(p.addr, dp.index, begin, length); err != nil {
		c.log.Debug("swarm: request_block failed", "peer", p.addr, "err", err)
	}
}

func (c *Coordinator) broadcastHave(index int) {
	msg := protocol.MessageHave(uint32(index))
	for _, p := range c.registry.snapshot() {
		if err := c.tr.Send(p.addr, msg); err != nil {
			c.log.Debug("swarm: broadcast have failed", "peer", p.addr, "err", err)
		}
	}
}

// OnIOError and OnDisconnect surface transport-level failures; both are
// absorbed internally per the error propagation policy - neither returns an
// error to the caller.
func (c *Coordinator) OnIOError(addr netip.AddrPort, err error) {
	if p, ok := c.registry.getByAddr(addr); ok {
		c.handleIOError(p, err)
	}
}

func (c *Coordinator) OnDisconnect(addr netip.AddrPort) {
	if p, ok := c.registry.getByAddr(addr); ok {
		c.handlePeerDisconnected(p)
	}
}

// Tick runs one choke-scheduler pass and requests blocks for any peer the
// pass newly unchoked. Call on a fixed timer at cfg.UnchokePeriod.
func (c *Coordinator) Tick() {
	if c.isClosed() {
		return
	}

	seeding := c.State() == StateSeeding
	decision := c.choker.run(c.registry.snapshot(), seeding)

	for _, p := range decision.unchoked {
		if err := c.tr.Send(p.addr, protocol.MessageUnchoke()); err != nil {
			c.log.Debug("swarm: send unchoke failed", "peer", p.addr, "err", err)
			continue
		}
		if dp := c.selector.nextPieceFor(p); dp != nil {
			c.requestNextBlock(p, dp)
		}
	}

	for _, p := range decision.choked {
		if err := c.tr.Send(p.addr, protocol.MessageChoke()); err != nil {
			c.log.Debug("swarm: send choke failed", "peer", p.addr, "err", err)
		}
	}
}

// finish runs the completion routine: for every peer with an assigned
// piece it cancels each block requested for that piece (best-effort),
// clears the assignment, and flips to seeding. The Store interface has no
// finalization step, so nothing is called on the store here.
func (c *Coordinator) finish() {
	for _, p := range c.registry.snapshot() {
		dp := p.currentPiece()
		if dp == nil {
			continue
		}
		c.table.mu.Lock()
		blocks := dp.requested.ToArray()
		c.table.mu.Unlock()
		for _, b := range blocks {
			begin := b * uint32(dp.blockLen)
			length := min(uint32(dp.blockLen), uint32(dp.length)-begin)
			_ = c.tr.CancelBlock(p.addr, dp.index, begin, length)
		}
		p.setCurrentPiece(nil)
	}

	c.stateMu.Lock()
	c.state = StateSeeding
	c.stateMu.Unlock()

	c.log.Info("swarm: torrent complete, transitioning to seeding")
}

// RunTicker blocks, calling Tick every cfg.UnchokePeriod, until ctx is
// cancelled or Stop is called.
func (c *Coordinator) RunTicker(ctx context.Context) {
	period := c.cfg.UnchokePeriod
	if period <= 0 {
		period = DefaultConfig().UnchokePeriod
	}

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c.isClosed() {
				return
			}
			c.Tick()
		}
	}
}
