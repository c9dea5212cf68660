// Package transport owns the actual peer-wire sockets: dialing/accepting
// connections, framing messages on the wire, and keep-alives. It carries
// out whatever the swarm coordinator decides (send, request, cancel,
// close) and feeds everything it reads back to the coordinator's consumer
// interface. It holds no piece-selection or choke policy of its own.
package transport

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wrenfall/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Config holds the transport layer's networking tunables.
type Config struct {
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	KeepAliveInterval  time.Duration
	OutboundQueueDepth int
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:        10 * time.Second,
		ReadTimeout:        2 * time.Minute,
		WriteTimeout:       30 * time.Second,
		KeepAliveInterval:  90 * time.Second,
		OutboundQueueDepth: 64,
	}
}

// Coordinator is the subset of swarm.Coordinator's consumer interface the
// transport layer drives. Defined locally so this package doesn't need to
// import swarm for anything but satisfying its Transport interface.
type Coordinator interface {
	OnHandshakeComplete(addr netip.AddrPort, peerID [sha1.Size]byte, numPieces int) (bool, error)
	OnMessage(addr netip.AddrPort, msg *protocol.Message) error
	OnIOError(addr netip.AddrPort, err error)
	OnDisconnect(addr netip.AddrPort)
}

// Manager owns every live peer connection for one torrent and implements
// swarm.Transport.
type Manager struct {
	cfg       Config
	infoHash  [sha1.Size]byte
	clientID  [sha1.Size]byte
	pieceN    int
	coord     Coordinator
	log       *slog.Logger

	mu    sync.Mutex
	conns map[netip.AddrPort]*peerConn
}

func NewManager(cfg Config, infoHash, clientID [sha1.Size]byte, pieceCount int, coord Coordinator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		infoHash: infoHash,
		clientID: clientID,
		pieceN:   pieceCount,
		coord:    coord,
		log:      log,
		conns:    make(map[netip.AddrPort]*peerConn),
	}
}

// DialAndRun connects outbound to addr, performs the handshake, registers
// the connection with the coordinator, and runs its read/write loops until
// ctx is cancelled or the connection fails. It blocks; call it in its own
// goroutine per candidate.
func (m *Manager) DialAndRun(ctx context.Context, addr netip.AddrPort) error {
	conn, err := net.DialTimeout("tcp", addr.String(), m.cfg.DialTimeout)
	if err != nil {
		m.coord.OnIOError(addr, err)
		return err
	}
	return m.runHandshaked(ctx, conn, addr)
}

// AcceptAndRun performs the inbound side of the handshake on an
// already-accepted connection and runs it until done.
func (m *Manager) AcceptAndRun(ctx context.Context, conn net.Conn) error {
	addr := addrPortOf(conn.RemoteAddr())
	return m.runHandshaked(ctx, conn, addr)
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if tcp, ok := a.(*net.TCPAddr); ok {
		ip, _ := netip.AddrFromSlice(tcp.IP)
		return netip.AddrPortFrom(ip.Unmap(), uint16(tcp.Port))
	}
	return netip.AddrPort{}
}

func (m *Manager) runHandshaked(ctx context.Context, conn net.Conn, addr netip.AddrPort) error {
	hs := protocol.NewHandshake(m.infoHash, m.clientID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		m.coord.OnIOError(addr, err)
		return err
	}

	accepted, err := m.coord.OnHandshakeComplete(addr, remote.PeerID, m.pieceN)
	if err != nil || !accepted {
		_ = conn.Close()
		return err
	}

	pc := newPeerConn(conn, addr, m.cfg, m.coord, m.log)

	m.mu.Lock()
	m.conns[addr] = pc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, addr)
		m.mu.Unlock()
		m.coord.OnDisconnect(addr)
	}()

	return pc.run(ctx)
}

func (m *Manager) getConn(addr netip.AddrPort) (*peerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.conns[addr]
	if !ok {
		return nil, fmt.Errorf("transport: no connection to %s", addr)
	}
	return pc, nil
}

// Send, RequestBlock, CancelBlock and Close implement swarm.Transport.
func (m *Manager) Send(peer netip.AddrPort, msg *protocol.Message) error {
	pc, err := m.getConn(peer)
	if err != nil {
		return err
	}
	return pc.enqueue(msg)
}

func (m *Manager) RequestBlock(peer netip.AddrPort, piece int, offset, length uint32) error {
	return m.Send(peer, protocol.MessageRequest(uint32(piece), offset, length))
}

func (m *Manager) CancelBlock(peer netip.AddrPort, piece int, offset, length uint32) error {
	return m.Send(peer, protocol.MessageCancel(uint32(piece), offset, length))
}

func (m *Manager) Close(peer netip.AddrPort) error {
	pc, err := m.getConn(peer)
	if err != nil {
		return nil
	}
	return pc.close()
}

// peerConn is one connection's read/write loop pair, grounded on the same
// split the coordinator expects: it never decides what to request, only
// carries bytes and reports what arrived.
type peerConn struct {
	conn   net.Conn
	addr   netip.AddrPort
	cfg    Config
	coord  Coordinator
	log    *slog.Logger

	outbox    chan *protocol.Message
	lastSeen  atomic.Int64
	closeOnce sync.Once
}

func newPeerConn(conn net.Conn, addr netip.AddrPort, cfg Config, coord Coordinator, log *slog.Logger) *peerConn {
	pc := &peerConn{
		conn:   conn,
		addr:   addr,
		cfg:    cfg,
		coord:  coord,
		log:    log.With("peer", addr),
		outbox: make(chan *protocol.Message, cfg.OutboundQueueDepth),
	}
	pc.lastSeen.Store(time.Now().UnixNano())
	return pc
}

func (pc *peerConn) run(ctx context.Context) error {
	defer pc.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.readLoop(gctx) })
	g.Go(func() error { return pc.writeLoop(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		pc.coord.OnIOError(pc.addr, err)
	}
	return err
}

func (pc *peerConn) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = pc.conn.SetReadDeadline(time.Now().Add(pc.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(pc.conn)
		if err != nil {
			return err
		}

		pc.lastSeen.Store(time.Now().UnixNano())

		if err := pc.coord.OnMessage(pc.addr, msg); err != nil {
			return err
		}
	}
}

func (pc *peerConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pc.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pc.outbox:
			if !ok {
				return nil
			}
			_ = pc.conn.SetWriteDeadline(time.Now().Add(pc.cfg.WriteTimeout))
			if err := protocol.WriteMessage(pc.conn, msg); err != nil {
				return err
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, pc.lastSeen.Load()))
			if idle >= pc.cfg.KeepAliveInterval {
				_ = pc.conn.SetWriteDeadline(time.Now().Add(pc.cfg.WriteTimeout))
				_ = protocol.WriteMessage(pc.conn, nil)
			}
		}
	}
}

func (pc *peerConn) enqueue(msg *protocol.Message) error {
	select {
	case pc.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("transport: outbox full for %s", pc.addr)
	}
}

func (pc *peerConn) close() error {
	var err error
	pc.closeOnce.Do(func() {
		err = pc.conn.Close()
	})
	return err
}
