package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/wrenfall/rabbit/internal/meta"
	"github.com/wrenfall/rabbit/internal/resume"
	"github.com/wrenfall/rabbit/internal/storage"
	"github.com/wrenfall/rabbit/internal/swarm"
	"github.com/wrenfall/rabbit/internal/tracker"
	"github.com/wrenfall/rabbit/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Torrent ties one torrent's metainfo to its running collaborators: the
// piece store, the swarm coordinator, the peer transport, and the tracker
// announce loop. It owns none of their policy; it only wires them together
// and listens on for new connection candidates.
type Torrent struct {
	Metainfo *meta.Metainfo

	clientID [sha1.Size]byte
	cfg      Config
	log      *slog.Logger

	store   *storage.Store
	coord   *swarm.Coordinator
	xport   *transport.Manager
	track   *tracker.Tracker
	resume  *resume.Store
	cancel  context.CancelFunc
	runCtx  context.Context
	port    uint16
}

// New constructs a Torrent from parsed metainfo bytes. It opens (or
// truncates) the on-disk file layout immediately but does not begin
// announcing or dialing peers until Run is called.
func New(clientID [sha1.Size]byte, data []byte, cfg Config, deps Deps) (*Torrent, error) {
	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	log := slog.Default().With("torrent", metainfo.Info.Name)

	store, err := storage.NewStore(metainfo.Info.Name, filesOf(metainfo.Info), metainfo.Info.PieceLength, deps.DownloadDir, log)
	if err != nil {
		return nil, fmt.Errorf("torrent: open store: %w", err)
	}

	var completed []int
	if deps.Resume != nil {
		if st, ok, err := deps.Resume.Load(metainfo.InfoHash); err == nil && ok {
			completed = st.Completed
			log.Info("resuming torrent", "completed_pieces", len(completed))
		}
	}

	t := &Torrent{
		Metainfo: metainfo,
		clientID: clientID,
		cfg:      cfg,
		log:      log,
		store:    store,
		resume:   deps.Resume,
		port:     cfg.ListenPort,
	}

	coord := swarm.NewCoordinator(cfg.Swarm, metainfo.Info.Pieces, metainfo.Info.PieceLength, metainfo.Size(), store, nil, log, completed)
	t.coord = coord

	xport := transport.NewManager(cfg.Transport, metainfo.InfoHash, clientID, len(metainfo.Info.Pieces), coord, log)
	t.xport = xport
	coord.SetTransport(xport)

	track, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, &tracker.TrackerOpts{
		Config:            cfg.Tracker,
		Log:               log,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: t.onAnnouncePeers,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("torrent: init tracker: %w", err)
	}
	t.track = track

	return t, nil
}

// Run starts the tracker announce loop and the swarm's unchoke ticker, and
// blocks until ctx is cancelled or a collaborator fails.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer t.persist()

	g, gctx := errgroup.WithContext(ctx)
	t.runCtx = gctx
	g.Go(func() error { return t.track.Run(gctx) })
	g.Go(func() error {
		t.coord.RunTicker(gctx)
		return nil
	})

	return g.Wait()
}

// Stop tears the torrent down: it stops the announce/ticker loops and closes
// the swarm coordinator and the underlying store.
func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	_ = t.coord.Stop()
	t.persist()
	_ = t.store.Close()
}

func (t *Torrent) persist() {
	if t.resume == nil {
		return
	}

	if err := t.resume.Save(resume.State{
		InfoHash:   t.Metainfo.InfoHash,
		Completed:  t.coord.VerifiedPieces(),
		Uploaded:   t.coord.Uploaded(),
		Downloaded: t.coord.Downloaded(),
	}); err != nil {
		t.log.Warn("torrent: failed to persist resume state", "err", err)
	}
}

// Stats summarizes a torrent's current progress for status reporting.
type Stats struct {
	Name       string
	Progress   float64
	State      string
	Uploaded   uint64
	Downloaded uint64
	Tracker    tracker.TrackerMetrics
}

func (t *Torrent) Stats() Stats {
	return Stats{
		Name:       t.Metainfo.Info.Name,
		Progress:   t.coord.CompletionRatio() * 100,
		State:      t.coord.State().String(),
		Uploaded:   t.coord.Uploaded(),
		Downloaded: t.coord.Downloaded(),
		Tracker:    t.track.Stats(),
	}
}

// DialPeer connects outbound to a candidate address surfaced by the tracker
// (or any other discovery path) and runs it until the connection ends.
func (t *Torrent) DialPeer(ctx context.Context, addr netip.AddrPort) error {
	return t.xport.DialAndRun(ctx, addr)
}

// AcceptPeer runs the inbound side of the handshake on an already-accepted
// connection.
func (t *Torrent) AcceptPeer(ctx context.Context, conn net.Conn) error {
	return t.xport.AcceptAndRun(ctx, conn)
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	downloaded := t.coord.Downloaded()
	left := uint64(0)
	if total := t.Metainfo.Size(); uint64(total) > downloaded {
		left = uint64(total) - downloaded
	}

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case downloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   t.coord.Uploaded(),
		Downloaded: downloaded,
		Left:       left,
		Port:       t.port,
	}
}

func (t *Torrent) onAnnouncePeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		go func(addr netip.AddrPort) {
			if err := t.xport.DialAndRun(t.runCtx, addr); err != nil {
				t.log.Debug("torrent: outbound peer connection failed", "peer", addr, "err", err)
			}
		}(addr)
	}
}

// filesOf normalizes a single-file torrent's info dict into the same
// []*meta.File shape a multi-file torrent already carries, so storage only
// ever has to handle one layout.
func filesOf(info *meta.Info) []*meta.File {
	if len(info.Files) > 0 {
		return info.Files
	}
	return []*meta.File{{Length: info.Length, Path: []string{info.Name}}}
}
