package torrent

import (
	"github.com/wrenfall/rabbit/internal/resume"
	"github.com/wrenfall/rabbit/internal/swarm"
	"github.com/wrenfall/rabbit/internal/tracker"
	"github.com/wrenfall/rabbit/internal/transport"
)

// Config aggregates every collaborator's tunables for one torrent.
type Config struct {
	Swarm     swarm.Config
	Transport transport.Config
	Tracker   tracker.Config

	// ListenPort is advertised to trackers in announce requests; it does
	// not itself open a listening socket.
	ListenPort uint16
}

// DefaultConfig returns sane defaults for every collaborator.
func DefaultConfig() Config {
	return Config{
		Swarm:      swarm.DefaultConfig(),
		Transport:  transport.DefaultConfig(),
		Tracker:    tracker.DefaultConfig(),
		ListenPort: 6881,
	}
}

// Deps are the process-wide collaborators a Torrent is built from, shared
// across every torrent the client is running.
type Deps struct {
	DownloadDir string
	Resume      *resume.Store
}
