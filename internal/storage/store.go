// Package storage implements the on-disk piece store: the read path that
// serves pieces to peers, and the write path that stages, deduplicates, and
// assembles pieces arriving from peers into the final file.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Config controls the store's working directory layout and queue sizing.
type Config struct {
	// WorkDir is the peer's working directory, peer_<id>/.
	WorkDir string

	// FileName is the target file's name, relative to WorkDir.
	FileName string

	// FileSize is F, the total size of the target file in bytes.
	FileSize int64

	// PieceSize is P, the nominal piece size in bytes; the final piece may
	// be shorter.
	PieceSize int64

	// NumPieces is N = ceil(F/P).
	NumPieces int

	// WriteQueueSize bounds the number of pieces buffered between the
	// network-facing write path and the disk writer goroutine.
	WriteQueueSize int
}

// incomingPiece is a fully-received piece awaiting disk assembly.
type incomingPiece struct {
	index int
	data  []byte
}

// Store is the shared piece store. Concurrent ReadPiece and WritePiece calls
// are safe; WritePiece is idempotent, so a duplicate arrival of an
// already-possessed piece is silently discarded rather than treated as an
// error.
type Store struct {
	cfg *Config
	log *slog.Logger

	file *os.File

	mu       sync.Mutex
	received map[int]bool

	writeQueue chan incomingPiece

	// onWritten is invoked, outside any lock, each time a piece is
	// successfully durable on disk. The swarm uses this to update
	// possession and broadcast have messages.
	onWritten func(index int)
}

// New creates the peer's working directory and backing file (pre-sized to
// FileSize, sparse on filesystems that support it) and returns a Store ready
// to Run.
func New(cfg *Config, log *slog.Logger, onWritten func(index int)) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create work dir: %w", err)
	}

	path := filepath.Join(cfg.WorkDir, cfg.FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := f.Truncate(cfg.FileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", path, err)
	}

	queueSize := cfg.WriteQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Store{
		cfg:        cfg,
		log:        log,
		file:       f,
		received:   make(map[int]bool, cfg.NumPieces),
		writeQueue: make(chan incomingPiece, queueSize),
		onWritten:  onWritten,
	}, nil
}

// OpenExisting scans an already-complete file at WorkDir/FileName, expected
// to be exactly FileSize bytes, and marks every piece received. Used when
// the peer starts the run already holding the complete file (has_file=1 in
// the roster).
func OpenExisting(cfg *Config, log *slog.Logger, onWritten func(index int)) (*Store, error) {
	path := filepath.Join(cfg.WorkDir, cfg.FileName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if info.Size() != cfg.FileSize {
		return nil, fmt.Errorf("storage: %s has size %d, want %d", path, info.Size(), cfg.FileSize)
	}

	s, err := New(cfg, log, onWritten)
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NumPieces; i++ {
		s.received[i] = true
	}
	return s, nil
}

// Run drains the write queue until ctx is cancelled. Close does not stop it.
func (s *Store) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

func (s *Store) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-s.writeQueue:
			if !ok {
				return nil
			}
			s.commit(p)
		}
	}
}

func (s *Store) commit(p incomingPiece) {
	if s.HasPiece(p.index) {
		return
	}

	if err := s.writeAt(p.index, p.data); err != nil {
		s.log.Error("piece write failed", "piece", p.index, "error", err.Error())
		return
	}

	s.mu.Lock()
	s.received[p.index] = true
	s.mu.Unlock()

	if s.onWritten != nil {
		s.onWritten(p.index)
	}
}

func (s *Store) pieceOffset(index int) int64 {
	return int64(index) * s.cfg.PieceSize
}

func (s *Store) pieceLength(index int) int64 {
	if index < s.cfg.NumPieces-1 {
		return s.cfg.PieceSize
	}
	last := s.cfg.FileSize % s.cfg.PieceSize
	if last == 0 {
		return s.cfg.PieceSize
	}
	return last
}

func (s *Store) writeAt(index int, data []byte) error {
	want := s.pieceLength(index)
	if int64(len(data)) != want {
		return fmt.Errorf("storage: piece %d has length %d, want %d", index, len(data), want)
	}

	n, err := s.file.WriteAt(data, s.pieceOffset(index))
	if err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if int64(n) != want {
		return fmt.Errorf("storage: short write for piece %d: wrote %d, want %d", index, n, want)
	}
	return nil
}

// HasPiece reports whether piece index has been durably written.
func (s *Store) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[index]
}

// WritePiece enqueues data as the content of piece index for disk assembly.
// Duplicate writes of an already-possessed piece are discarded without
// error, satisfying the idempotency requirement; a write for a piece that
// is queued but not yet committed is enqueued too, and commit discards it
// because it re-checks possession before writing.
func (s *Store) WritePiece(ctx context.Context, index int, data []byte) error {
	if index < 0 || index >= s.cfg.NumPieces {
		return fmt.Errorf("storage: piece index %d out of range [0,%d)", index, s.cfg.NumPieces)
	}

	if s.HasPiece(index) {
		return nil
	}

	select {
	case s.writeQueue <- incomingPiece{index: index, data: append([]byte(nil), data...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadPiece reads the full current contents of piece index from disk. For a
// piece not yet written it returns whatever bytes the pre-sized file holds
// in that range (zeros in a fresh file).
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if index < 0 || index >= s.cfg.NumPieces {
		return nil, fmt.Errorf("storage: piece index %d out of range [0,%d)", index, s.cfg.NumPieces)
	}

	length := s.pieceLength(index)
	buf := make([]byte, length)

	n, err := s.file.ReadAt(buf, s.pieceOffset(index))
	if err != nil {
		return nil, fmt.Errorf("storage: read piece %d: %w", index, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("storage: short read for piece %d: read %d, want %d", index, n, length)
	}
	return buf, nil
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	return s.file.Close()
}
