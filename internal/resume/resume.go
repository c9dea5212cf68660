// Package resume persists enough per-torrent state across restarts that a
// torrent doesn't have to re-download or re-verify pieces it already had:
// the verified-piece set and byte counters, keyed by info hash. It is
// strictly additive to the swarm coordinator's in-memory state - on load
// internal/torrent uses only the completed-piece list, to seed the
// coordinator's verified pieces before Run starts; the stored counters are
// returned by Load but not fed back into the coordinator.
package resume

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.etcd.io/bbolt"
)

var bucketTorrents = []byte("torrents")

// State is what's recorded for one torrent between runs.
type State struct {
	InfoHash   [20]byte
	Completed  []int // verified piece indices
	Uploaded   uint64
	Downloaded uint64
	UpdatedAt  time.Time
}

// Store is a bbolt-backed key/value store of per-torrent resume State,
// keyed by the torrent's 20-byte info hash.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// the top-level bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTorrents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resume: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Load returns the persisted state for infoHash, and false if nothing has
// been saved yet.
func (s *Store) Load(infoHash [20]byte) (State, bool, error) {
	var (
		st    State
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTorrents).Bucket(infoHash[:])
		if b == nil {
			return nil
		}
		found = true

		st.InfoHash = infoHash
		if raw := b.Get([]byte("completed")); raw != nil {
			bm := roaring.New()
			if err := bm.UnmarshalBinary(raw); err != nil {
				return fmt.Errorf("decode completed bitmap: %w", err)
			}
			st.Completed = make([]int, 0, bm.GetCardinality())
			bm.Iterate(func(x uint32) bool {
				st.Completed = append(st.Completed, int(x))
				return true
			})
		}
		if raw := b.Get([]byte("uploaded")); len(raw) == 8 {
			st.Uploaded = binary.BigEndian.Uint64(raw)
		}
		if raw := b.Get([]byte("downloaded")); len(raw) == 8 {
			st.Downloaded = binary.BigEndian.Uint64(raw)
		}
		if raw := b.Get([]byte("updated_at")); len(raw) == 8 {
			st.UpdatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
		}

		return nil
	})

	return st, found, err
}

// Save overwrites the persisted state for one torrent in a single
// transaction.
func (s *Store) Save(st State) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketTorrents)
		b, err := root.CreateBucketIfNotExists(st.InfoHash[:])
		if err != nil {
			return err
		}

		bm := roaring.New()
		for _, idx := range st.Completed {
			bm.Add(uint32(idx))
		}
		completed, err := bm.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode completed bitmap: %w", err)
		}
		if err := b.Put([]byte("completed"), completed); err != nil {
			return err
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], st.Uploaded)
		if err := b.Put([]byte("uploaded"), buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[:], st.Downloaded)
		if err := b.Put([]byte("downloaded"), buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
		return b.Put([]byte("updated_at"), buf[:])
	})
}

// Delete removes all persisted state for a torrent, e.g. when it's removed
// from the client.
func (s *Store) Delete(infoHash [20]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTorrents).DeleteBucket(infoHash[:])
	})
}

// List returns the info hash of every torrent with persisted state.
func (s *Store) List() ([][20]byte, error) {
	var out [][20]byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTorrents).ForEach(func(k, v []byte) error {
			if v != nil || len(k) != 20 { // v == nil marks a nested bucket key
				return nil
			}
			var h [20]byte
			copy(h[:], k)
			out = append(out, h)
			return nil
		})
	})

	return out, err
}
