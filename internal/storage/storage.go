// Package storage persists downloaded pieces to the filesystem and serves
// them back for rechecking and upload. It has no notion of peers, choking,
// or piece selection; the swarm coordinator decides what to buffer, flush,
// and recheck and calls into the Store to do it.
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/wrenfall/rabbit/internal/meta"
)

// BlockInfo describes where a buffered block sits within its piece and the
// overall content stream, enough for Store to compute the expected size of
// the piece it belongs to without consulting the metainfo itself.
type BlockInfo struct {
	PieceIndex  int
	BlockIndex  int
	PieceLength int32
	BlockLength int32
	IsLastPiece bool
	Size        int64
}

type datafile struct {
	Path   string
	Offset int64
	Length int64
	f      *os.File
}

type pieceBuffer struct {
	blocks map[int64][]byte
	size   int64
	filled int64
}

// Store maps a torrent's file layout onto the filesystem and reassembles
// pieces from blocks buffered in memory before flushing them to disk.
type Store struct {
	name        string
	downloadDir string
	pieceLen    int32
	totalSize   int64
	files       []*datafile
	log         *slog.Logger

	mu           sync.Mutex
	buffers      map[int]*pieceBuffer
	bufferedSize int64
}

// NewStore creates (or reopens) the on-disk file layout for a torrent named
// name under downloadDir, truncating/creating each file to its final size.
func NewStore(name string, files []*meta.File, pieceLen int32, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage", "torrent", name)

	datafiles, total, err := setupFiles(name, files, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup files: %w", err)
	}

	return &Store{
		name:        name,
		downloadDir: downloadDir,
		pieceLen:    pieceLen,
		totalSize:   total,
		files:       datafiles,
		log:         log,
		buffers:     make(map[int]*pieceBuffer),
	}, nil
}

// BufferBlock accumulates a received block in memory. Duplicate blocks for
// an already-buffered offset are dropped silently.
func (s *Store) BufferBlock(data []byte, bi BlockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[bi.PieceIndex]
	if !ok {
		size := int64(bi.PieceLength)
		if bi.IsLastPiece {
			size = bi.Size - int64(bi.PieceIndex)*int64(bi.PieceLength)
		}
		buf = &pieceBuffer{blocks: make(map[int64][]byte), size: size}
		s.buffers[bi.PieceIndex] = buf
	}

	offset := int64(bi.BlockIndex) * int64(bi.BlockLength)
	if _, dup := buf.blocks[offset]; dup {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	buf.blocks[offset] = cp
	buf.filled += int64(len(cp))
	s.bufferedSize += int64(len(cp))
}

// BufferedBytes reports the total bytes currently held in in-memory piece
// buffers across all not-yet-flushed pieces.
func (s *Store) BufferedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedSize
}

var (
	errPieceNotBuffered = fmt.Errorf("storage: piece not fully buffered")
	errHashMismatch     = fmt.Errorf("storage: piece hash mismatch")
)

// FlushPiece reassembles the buffered blocks for index, verifies the hash,
// writes it to disk, and drops the in-memory buffer. The buffer is left
// intact on hash mismatch so the caller can decide whether to re-request.
func (s *Store) FlushPiece(index int, hash [sha1.Size]byte) error {
	s.mu.Lock()
	buf, ok := s.buffers[index]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: piece %d", errPieceNotBuffered, index)
	}
	if buf.filled != buf.size {
		s.mu.Unlock()
		return fmt.Errorf("%w: piece %d has %d/%d bytes", errPieceNotBuffered, index, buf.filled, buf.size)
	}

	data := make([]byte, buf.size)
	for off, chunk := range buf.blocks {
		copy(data[off:], chunk)
	}
	s.mu.Unlock()

	if sha1.Sum(data) != hash {
		return fmt.Errorf("%w: piece %d", errHashMismatch, index)
	}

	pieceStart := int64(index) * int64(s.pieceLen)
	if err := s.writeStreamAt(data, pieceStart); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}

	s.mu.Lock()
	s.bufferedSize -= buf.filled
	delete(s.buffers, index)
	s.mu.Unlock()

	s.log.Debug("piece flushed", "index", index, "bytes", buf.size)

	return nil
}

// RecheckPiece reads piece index back from disk and verifies it against
// hash, for resuming a partially downloaded torrent without re-fetching.
func (s *Store) RecheckPiece(index int, length int, hash [sha1.Size]byte) error {
	data := make([]byte, length)
	pieceStart := int64(index) * int64(s.pieceLen)

	if err := s.readStreamAt(data, pieceStart); err != nil {
		return fmt.Errorf("storage: recheck piece %d: %w", index, err)
	}
	if sha1.Sum(data) != hash {
		return fmt.Errorf("%w: recheck piece %d", errHashMismatch, index)
	}

	return nil
}

// ReadBlock reads a block from disk for serving an upload request.
func (s *Store) ReadBlock(pieceIndex int, begin, length uint32) ([]byte, error) {
	data := make([]byte, length)
	offset := int64(pieceIndex)*int64(s.pieceLen) + int64(begin)

	if err := s.readStreamAt(data, offset); err != nil {
		return nil, fmt.Errorf("storage: read block piece=%d begin=%d: %w", pieceIndex, begin, err)
	}

	return data, nil
}

// Close closes every backing file, returning the first error encountered.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) writeStreamAt(data []byte, offset int64) error {
	if offset+int64(len(data)) > s.totalSize {
		return io.ErrShortWrite
	}

	return s.forEachOverlap(offset, int64(len(data)), func(f *datafile, fileOff, dataOff, n int64) error {
		written, err := f.f.WriteAt(data[dataOff:dataOff+n], fileOff)
		if err != nil {
			return err
		}
		if int64(written) != n {
			return io.ErrShortWrite
		}
		return nil
	})
}

func (s *Store) readStreamAt(data []byte, offset int64) error {
	if offset+int64(len(data)) > s.totalSize {
		return io.ErrShortWrite
	}

	return s.forEachOverlap(offset, int64(len(data)), func(f *datafile, fileOff, dataOff, n int64) error {
		read, err := f.f.ReadAt(data[dataOff:dataOff+n], fileOff)
		if err != nil && err != io.EOF {
			return err
		}
		if int64(read) != n {
			return io.ErrShortWrite
		}
		return nil
	})
}

// forEachOverlap calls fn once per file overlapping [offset, offset+length),
// translating the overlapping span into that file's own offset space.
func (s *Store) forEachOverlap(offset, length int64, fn func(f *datafile, fileOff, dataOff, n int64) error) error {
	end := offset + length

	for _, f := range s.files {
		fStart, fEnd := f.Offset, f.Offset+f.Length

		overlapStart := max(offset, fStart)
		overlapEnd := min(end, fEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		if err := fn(f, overlapStart-fStart, overlapStart-offset, n); err != nil {
			return err
		}
	}

	return nil
}

func setupFiles(name string, files []*meta.File, downloadDir string) ([]*datafile, int64, error) {
	root := filepath.Join(downloadDir, name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, 0, err
	}

	var (
		offset    int64
		datafiles []*datafile
	)

	for _, mf := range files {
		fp := root
		for _, seg := range mf.Path {
			fp = filepath.Join(fp, seg)
		}

		if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
			return nil, 0, err
		}

		f, err := os.OpenFile(fp, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, 0, err
		}
		if err := f.Truncate(mf.Length); err != nil {
			f.Close()
			return nil, 0, err
		}

		datafiles = append(datafiles, &datafile{Path: fp, Offset: offset, Length: mf.Length, f: f})
		offset += mf.Length
	}

	return datafiles, offset, nil
}

// DefaultDownloadDir returns the platform-conventional base directory for
// completed downloads when the caller hasn't specified one explicitly.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default:
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}
