package swarm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/peer"
	"github.com/rabbitswarm/p2pfile/internal/utils/bitfield"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store stand-in so swarm tests don't depend on
// the filesystem-backed storage package.
type fakeStore struct {
	pieces map[int][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{pieces: make(map[int][]byte)} }

func (f *fakeStore) HasPiece(index int) bool {
	_, ok := f.pieces[index]
	return ok
}

func (f *fakeStore) ReadPiece(index int) ([]byte, error) {
	data, ok := f.pieces[index]
	if !ok {
		return nil, errors.New("no such piece")
	}
	return data, nil
}

func (f *fakeStore) WritePiece(ctx context.Context, index int, data []byte) error {
	if _, ok := f.pieces[index]; ok {
		return nil
	}
	f.pieces[index] = append([]byte(nil), data...)
	return nil
}

func newTestSession(t *testing.T, sw *Swarm, peerID uint32) *peer.Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	sess := peer.New(server, peerID, sw.Hooks(), discardLogger(), 0, 0)
	sw.AddSession(sess)
	return sess
}

func TestNeedsPieceAndHasPiece(t *testing.T) {
	store := newFakeStore()
	sw := New(1001, 4, store, nil, discardLogger(), nil)

	if !sw.NeedsPiece(0) {
		t.Fatalf("NeedsPiece(0) = false, want true for empty bitmap")
	}
	if sw.HasPiece(0) {
		t.Fatalf("HasPiece(0) = true, want false for empty bitmap")
	}
}

func TestPickRequest_NoEligiblePieceBeforeBitfield(t *testing.T) {
	store := newFakeStore()
	sw := New(1001, 4, store, nil, discardLogger(), nil)

	newTestSession(t, sw, 2001)

	// Remote has not yet sent a bitfield, so remote(s) is empty: nothing is
	// eligible to request.
	idx, ok := sw.PickRequest(2001)
	if ok {
		t.Fatalf("PickRequest returned %d, ok=true before any bitfield received", idx)
	}
}

func TestPickRequest_UnknownPeer(t *testing.T) {
	store := newFakeStore()
	sw := New(1001, 4, store, nil, discardLogger(), nil)

	if _, ok := sw.PickRequest(9999); ok {
		t.Fatalf("PickRequest for unregistered peer returned ok=true")
	}
}

func TestOnPieceReceivedAndWritten_UpdatesPossession(t *testing.T) {
	store := newFakeStore()
	events, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer events.Close()

	sw := New(1001, 2, store, events, discardLogger(), nil)

	data := []byte("piece-zero-bytes")
	sw.onPieceReceived(2001, 0, data)

	if !store.HasPiece(0) {
		t.Fatalf("store should have piece 0 after onPieceReceived")
	}

	sw.OnPieceWritten(0)

	if !sw.HasPiece(0) {
		t.Fatalf("swarm should possess piece 0 after OnPieceWritten")
	}
	if sw.IsSeeder() {
		t.Fatalf("swarm should not be seeder with only 1 of 2 pieces")
	}

	sw.onPieceReceived(2002, 1, []byte("piece-one"))
	sw.OnPieceWritten(1)

	if !sw.IsSeeder() {
		t.Fatalf("swarm should be seeder once all pieces possessed")
	}
}

func TestAddRemoveSession(t *testing.T) {
	store := newFakeStore()
	sw := New(1001, 2, store, nil, discardLogger(), nil)

	sess := newTestSession(t, sw, 2001)
	if got := sw.Sessions(); len(got) != 1 || got[0] != sess {
		t.Fatalf("Sessions() = %v, want [sess]", got)
	}

	sw.RemoveSession(2001)
	if got := sw.Sessions(); len(got) != 0 {
		t.Fatalf("Sessions() after remove = %v, want empty", got)
	}
}

func TestAllRemotesComplete_EmptyIsFalse(t *testing.T) {
	store := newFakeStore()
	sw := New(1001, 2, store, nil, discardLogger(), nil)

	if sw.AllRemotesComplete() {
		t.Fatalf("AllRemotesComplete() = true with no sessions, want false")
	}
}

func TestNew_SeederFromInitialBitfield(t *testing.T) {
	store := newFakeStore()

	full := bitfield.New(2)
	full.Set(0)
	full.Set(1)

	sw := New(1001, 2, store, nil, discardLogger(), full)
	if !sw.IsSeeder() {
		t.Fatalf("IsSeeder() = false, want true when seeded with full bitmap")
	}
}
