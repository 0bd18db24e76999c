// Package swarm owns the peer's own piece possession summary, the live
// session map, and the piece write path, per spec §4.4 and §4.5.
package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/peer"
	"github.com/rabbitswarm/p2pfile/internal/storage"
	"github.com/rabbitswarm/p2pfile/internal/utils/bitfield"
)

// Store is the subset of storage.Store the swarm depends on.
type Store interface {
	HasPiece(index int) bool
	ReadPiece(index int) ([]byte, error)
	WritePiece(ctx context.Context, index int, data []byte) error
}

var _ Store = (*storage.Store)(nil)

// Swarm is the shared, concurrency-safe owner of self-possession and the
// live neighbor sessions.
type Swarm struct {
	log       *slog.Logger
	selfID    uint32
	numPieces int
	bitmapLen int
	store     Store
	events    *eventlog.Logger

	mu           sync.RWMutex
	selfBF       bitfield.Bitfield
	sessions     map[uint32]*peer.Session
	isSeeder     bool
	pendingOwner map[int]uint32
}

// New constructs a Swarm. initialBitfield, if non-nil, seeds self possession
// (used when the peer starts as a seeder).
func New(selfID uint32, numPieces int, store Store, events *eventlog.Logger, log *slog.Logger, initialBitfield bitfield.Bitfield) *Swarm {
	bf := bitfield.New(numPieces)
	if initialBitfield != nil {
		copy(bf, initialBitfield)
	}

	return &Swarm{
		log:          log.With("component", "swarm"),
		selfID:       selfID,
		numPieces:    numPieces,
		bitmapLen:    (numPieces + 7) / 8,
		store:        store,
		events:       events,
		selfBF:       bf,
		sessions:     make(map[uint32]*peer.Session),
		isSeeder:     bf.IsComplete(numPieces),
		pendingOwner: make(map[int]uint32),
	}
}

// NumPieces returns N.
func (s *Swarm) NumPieces() int { return s.numPieces }

// IsSeeder reports whether self-possession is currently universal.
func (s *Swarm) IsSeeder() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSeeder
}

// Hooks builds the peer.Hooks bound to this swarm, to be supplied to a new
// Session for the given remote.
func (s *Swarm) Hooks() peer.Hooks {
	return peer.Hooks{
		NumPieces:    s.numPieces,
		BitmapLen:    s.bitmapLen,
		SelfID:       s.selfID,
		Events:       s.events,
		SelfBitfield: s.SelfBitfieldSnapshot,
		NeedsPiece:   s.NeedsPiece,
		HasPiece:     s.HasPiece,
		ReadPiece:    s.store.ReadPiece,
		PickRequest:  s.PickRequest,
		OnPiece:      s.onPieceReceived,
		OnDisconnect: s.RemoveSession,
	}
}

// SelfBitfieldSnapshot returns a copy of the self-possession bitmap.
func (s *Swarm) SelfBitfieldSnapshot() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfBF.Clone()
}

// NeedsPiece reports whether the owner still needs piece index.
func (s *Swarm) NeedsPiece(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.selfBF.Has(index)
}

// HasPiece reports whether the owner possesses piece index.
func (s *Swarm) HasPiece(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfBF.Has(index)
}

// AddSession registers a new live session. Callers are responsible for
// actually running it; AddSession only updates membership.
func (s *Swarm) AddSession(sess *peer.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.PeerID()] = sess
}

// RemoveSession drops a session from the membership map, satisfying the
// invariant that a session is present iff its transport is open.
func (s *Swarm) RemoveSession(peerID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, peerID)
}

// Sessions returns a snapshot slice of all live sessions.
func (s *Swarm) Sessions() []*peer.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*peer.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// AllRemotesComplete reports whether every live session's remote bitmap is
// universal, one ingredient of the termination condition of spec §4.7.
func (s *Swarm) AllRemotesComplete() bool {
	s.mu.RLock()
	sessions := make([]*peer.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	if len(sessions) == 0 {
		return false
	}
	for _, sess := range sessions {
		if !sess.RemoteBitfield().IsComplete(s.numPieces) {
			return false
		}
	}
	return true
}

// PickRequest selects one piece index uniformly at random from the
// intersection of peerID's advertised possession and the owner's needed
// set, excluding any index currently outstanding at any other session, per
// spec §4.5.
func (s *Swarm) PickRequest(peerID uint32) (int, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[peerID]
	if !ok {
		s.mu.RUnlock()
		return 0, false
	}
	selfBF := s.selfBF
	sessionsSnapshot := make([]*peer.Session, 0, len(s.sessions))
	for _, other := range s.sessions {
		sessionsSnapshot = append(sessionsSnapshot, other)
	}
	s.mu.RUnlock()

	remote := sess.RemoteBitfield()

	outstanding := make(map[int]bool, len(sessionsSnapshot))
	for _, other := range sessionsSnapshot {
		if idx := other.OutstandingRequest(); idx >= 0 {
			outstanding[idx] = true
		}
	}

	var candidates []int
	for i := 0; i < s.numPieces; i++ {
		if remote.Has(i) && !selfBF.Has(i) && !outstanding[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	return candidates[rand.Intn(len(candidates))], true
}

// onPieceReceived is the Session.Hooks.OnPiece callback: the network-facing
// entry point of the write path (step 1 of spec §4.4). The remaining steps
// run asynchronously in OnPieceWritten once storage durably commits the
// piece.
func (s *Swarm) onPieceReceived(peerID uint32, index int, data []byte) {
	s.mu.Lock()
	s.pendingOwner[index] = peerID
	s.mu.Unlock()

	if err := s.store.WritePiece(context.Background(), index, data); err != nil {
		s.log.Warn("storage write failed", "piece", index, "error", err.Error())
	}
}

// OnPieceWritten is the storage layer's onWritten callback: it completes
// steps 2-6 of the swarm write path once a piece is durable on disk.
func (s *Swarm) OnPieceWritten(index int) {
	s.mu.Lock()
	fromPeer := s.pendingOwner[index]
	delete(s.pendingOwner, index)

	s.selfBF.Set(index)
	haveCount := s.selfBF.Count()
	complete := s.selfBF.IsComplete(s.numPieces)
	if complete {
		s.isSeeder = true
	}

	sessions := make([]*peer.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.DownloadedPiece(s.selfID, fromPeer, index, haveCount)
	}

	for _, sess := range sessions {
		sess.SendHave(index)
	}
	for _, sess := range sessions {
		sess.RecomputeInterestAfterWrite()
	}

	if complete && s.events != nil {
		s.events.DownloadCompleted(s.selfID)
	}
}
