package eventlog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()

	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.now = func() time.Time { return time.Date(2026, time.January, 2, 15, 4, 5, 0, time.UTC) }

	t.Cleanup(func() { l.Close() })
	return l, filepath.Join(dir, "log.txt")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan log: %v", err)
	}
	return lines
}

func TestLogger_FixedTemplates(t *testing.T) {
	l, path := newTestLogger(t)

	l.ConnectedTo(1001, 1002)
	l.ConnectedFrom(1001, 1003)
	l.PreferredNeighbors(1001, []uint32{1002, 1003})
	l.OptimisticallyUnchoked(1001, 1004)
	l.UnchokedBy(1001, 1002)
	l.ChokedBy(1001, 1003)
	l.ReceivedHave(1001, 1002, 7)
	l.ReceivedInterested(1001, 1002)
	l.ReceivedNotInterested(1001, 1003)
	l.DownloadedPiece(1001, 1002, 7, 42)
	l.DownloadCompleted(1001)

	lines := readLines(t, path)
	want := []string{
		"Peer 1001 makes a connection to Peer 1002.",
		"Peer 1001 is connected from Peer 1003.",
		"Peer 1001 has the preferred neighbors 1002, 1003.",
		"Peer 1001 has the optimistically unchoked neighbor 1004.",
		"Peer 1001 is unchoked by 1002.",
		"Peer 1001 is choked by 1003.",
		"Peer 1001 received the 'have' message from 1002 for the piece 7.",
		"Peer 1001 received the 'interested' message from 1002.",
		"Peer 1001 received the 'not interested' message from 1003.",
		"Peer 1001 has downloaded the piece 7 from 1002. Now the number of pieces it has is 42.",
		"Peer 1001 has downloaded the complete file.",
	}

	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i, w := range want {
		if !strings.HasSuffix(lines[i], w) {
			t.Fatalf("line %d = %q, want suffix %q", i, lines[i], w)
		}
	}
}

func TestLogger_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.DownloadCompleted(1001)
	l1.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	l2.DownloadCompleted(1001)

	lines := readLines(t, filepath.Join(dir, "log.txt"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestLogger_PreferredNeighbors_EmptyList(t *testing.T) {
	l, path := newTestLogger(t)
	l.PreferredNeighbors(1001, nil)

	lines := readLines(t, path)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "Peer 1001 has the preferred neighbors .") {
		t.Fatalf("unexpected line: %v", lines)
	}
}
