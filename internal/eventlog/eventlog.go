// Package eventlog implements the append-only, human-readable event log
// each peer writes to its working directory, using the fixed literal
// templates of spec §6. It is a plain text sink, independent of the
// structured slog diagnostics used for operator-facing logging.
package eventlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Logger appends timestamped entries to a single log file. All methods are
// safe for concurrent use; emission is unconditional and must never block
// the caller on anything but the underlying write.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// timestampLayout is the human-readable log stamp format: "Mon Jan 2
// 15:04:05 2006".
const timestampLayout = "Mon Jan 2 15:04:05 2006"

// Open creates (or appends to) log.txt directly inside workDir, the peer's
// peer_<id> directory.
func Open(workDir string) (*Logger, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create work dir: %w", err)
	}

	path := filepath.Join(workDir, "log.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	return &Logger{w: f, c: f, now: time.Now}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

func (l *Logger) emit(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s: %s\n", l.now().Format(timestampLayout), line)
}

// ConnectedTo records that self dialed and handshook with other.
func (l *Logger) ConnectedTo(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d makes a connection to Peer %d.", self, other))
}

// ConnectedFrom records that self accepted an inbound connection from other.
func (l *Logger) ConnectedFrom(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d is connected from Peer %d.", self, other))
}

// PreferredNeighbors records the result of a preferred-neighbor recomputation.
func (l *Logger) PreferredNeighbors(self uint32, ids []uint32) {
	l.emit(fmt.Sprintf("Peer %d has the preferred neighbors %s.", self, joinIDs(ids)))
}

// OptimisticallyUnchoked records an optimistic-unchoke rotation.
func (l *Logger) OptimisticallyUnchoked(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d has the optimistically unchoked neighbor %d.", self, other))
}

// UnchokedBy records that other sent us an unchoke.
func (l *Logger) UnchokedBy(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d is unchoked by %d.", self, other))
}

// ChokedBy records that other sent us a choke.
func (l *Logger) ChokedBy(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d is choked by %d.", self, other))
}

// ReceivedHave records an inbound have(i) message.
func (l *Logger) ReceivedHave(self, other uint32, index int) {
	l.emit(fmt.Sprintf("Peer %d received the 'have' message from %d for the piece %d.", self, other, index))
}

// ReceivedInterested records an inbound interested message.
func (l *Logger) ReceivedInterested(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d received the 'interested' message from %d.", self, other))
}

// ReceivedNotInterested records an inbound not_interested message.
func (l *Logger) ReceivedNotInterested(self, other uint32) {
	l.emit(fmt.Sprintf("Peer %d received the 'not interested' message from %d.", self, other))
}

// DownloadedPiece records a successfully assembled piece.
func (l *Logger) DownloadedPiece(self, other uint32, index, haveCount int) {
	l.emit(fmt.Sprintf(
		"Peer %d has downloaded the piece %d from %d. Now the number of pieces it has is %d.",
		self, index, other, haveCount,
	))
}

// DownloadCompleted records that self-possession became universal.
func (l *Logger) DownloadCompleted(self uint32) {
	l.emit(fmt.Sprintf("Peer %d has downloaded the complete file.", self))
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ", ")
}
