package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Client manages every torrent a process is running concurrently, keyed by
// info hash, and hands each one the collaborators it's built from.
type Client struct {
	log      *slog.Logger
	clientID [sha1.Size]byte
	deps     Deps
	cfg      Config

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
}

// NewClient generates a fresh peer ID and prepares an empty client ready to
// accept torrents. deps.DownloadDir and deps.Resume are shared by every
// torrent the client runs.
func NewClient(cfg Config, deps Deps) (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, fmt.Errorf("torrent: generate client id: %w", err)
	}

	return &Client{
		log:      slog.Default(),
		clientID: clientID,
		deps:     deps,
		cfg:      cfg,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// AddTorrent parses .torrent file bytes, builds its collaborators, and
// starts running it in the background. The returned Torrent is also
// reachable later via GetTorrent/RemoveTorrent using its info hash.
func (c *Client) AddTorrent(ctx context.Context, data []byte) (*Torrent, error) {
	t, err := New(c.clientID, data, c.cfg, c.deps)
	if err != nil {
		c.log.Error("failed to add torrent", "err", err)
		return nil, err
	}

	c.log.Info("adding torrent",
		"name", t.Metainfo.Info.Name,
		"info_hash", hex.EncodeToString(t.Metainfo.InfoHash[:]),
		"size", t.Metainfo.Size(),
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[t.Metainfo.InfoHash] = t
	c.mu.Unlock()

	go func() {
		if err := t.Run(ctx); err != nil {
			c.log.Warn("torrent stopped", "name", t.Metainfo.Info.Name, "err", err)
		}
	}()

	return t, nil
}

// GetTorrent looks up a running torrent by its hex-encoded info hash.
func (c *Client) GetTorrent(infoHashHex string) (*Torrent, bool) {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrents[infoHash]
	return t, ok
}

// RemoveTorrent stops a running torrent and drops it from the client.
func (c *Client) RemoveTorrent(infoHashHex string) error {
	infoHash, err := parseInfoHash(infoHashHex)
	if err != nil {
		return fmt.Errorf("torrent: invalid info hash %q: %w", infoHashHex, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.torrents[infoHash]
	if !ok {
		return nil
	}

	c.log.Info("removing torrent", "name", t.Metainfo.Info.Name, "info_hash", infoHashHex)
	t.Stop()
	delete(c.torrents, infoHash)
	return nil
}

// Stats returns every running torrent's current stats, keyed by hex info
// hash.
func (c *Client) Stats() map[string]Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Stats, len(c.torrents))
	for hash, t := range c.torrents {
		out[hex.EncodeToString(hash[:])] = t.Stats()
	}
	return out
}

func parseInfoHash(infoHashHex string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("not a %d-byte hex hash", sha1.Size)
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-RBBT-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
