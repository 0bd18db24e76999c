// Package scheduler runs the two independent choke/unchoke loops that
// decide, for each live neighbor session, whether self chokes or unchokes
// it, per spec §4.6.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/peer"
	"golang.org/x/sync/errgroup"
)

// Swarm is the subset of swarm.Swarm the scheduler depends on.
type Swarm interface {
	Sessions() []*peer.Session
	IsSeeder() bool
}

// Config carries the three choking-policy parameters read from the
// configuration file (spec §6): k preferred neighbors, p-second unchoking
// interval, m-second optimistic-unchoking interval.
type Config struct {
	SelfID                      uint32
	NumberOfPreferredNeighbors  int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
}

// Scheduler keeps the optimistic-unchoke pick and the last preferred set
// across ticks; everything else is recomputed from scratch on every tick.
type Scheduler struct {
	cfg    Config
	swarm  Swarm
	events *eventlog.Logger
	log    *slog.Logger

	mu            sync.Mutex
	optimistic    uint32
	hasOptimist   bool
	lastPreferred map[uint32]bool
}

// New constructs a Scheduler bound to swarm. events may be nil in tests.
func New(cfg Config, swarm Swarm, events *eventlog.Logger, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		swarm:  swarm,
		events: events,
		log:    log.With("component", "scheduler"),
	}
}

// Run drives both loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.preferredNeighborLoop(gctx) })
	g.Go(func() error { return s.optimisticUnchokeLoop(gctx) })
	return g.Wait()
}

func (s *Scheduler) preferredNeighborLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.UnchokingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.recalculatePreferredNeighbors()
		}
	}
}

func (s *Scheduler) optimisticUnchokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.OptimisticUnchokingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.recalculateOptimisticUnchoke()
		}
	}
}

// recalculatePreferredNeighbors implements spec §4.6's periodic preferred
// set recomputation. Candidates are sessions with peer_interested set — NOT
// am_interested; a session being interested in US is what earns it
// consideration for an upload slot, not the reverse.
func (s *Scheduler) recalculatePreferredNeighbors() {
	sessions := s.swarm.Sessions()

	var candidates []*peer.Session
	for _, sess := range sessions {
		if sess.PeerInterested() {
			candidates = append(candidates, sess)
		}
	}

	// Shuffle first so that rate ties (notably: everyone at zero, the
	// common case right after startup) break randomly rather than by
	// session map iteration order. A seeder's pick stops here: spec §4.6
	// requires k sessions drawn uniformly at random from the interested
	// set, not ranked by any rate.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if !s.swarm.IsSeeder() {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].DownloadWindowBytes() > candidates[j].DownloadWindowBytes()
		})
	}

	k := s.cfg.NumberOfPreferredNeighbors
	if k > len(candidates) {
		k = len(candidates)
	}
	preferred := candidates[:k]

	preferredSet := make(map[uint32]bool, k)
	preferredIDs := make([]uint32, 0, k)
	for _, sess := range preferred {
		preferredSet[sess.PeerID()] = true
		preferredIDs = append(preferredIDs, sess.PeerID())
	}

	s.mu.Lock()
	// Keep preferred and optimistic disjoint: an optimistic pick that has
	// just earned a preferred slot leaves the optimistic slot.
	if s.hasOptimist && preferredSet[s.optimistic] {
		s.hasOptimist = false
	}
	optimisticID, hasOptimist := s.optimistic, s.hasOptimist
	s.lastPreferred = preferredSet
	s.mu.Unlock()

	for _, sess := range sessions {
		isPreferred := preferredSet[sess.PeerID()]
		isOptimistic := hasOptimist && sess.PeerID() == optimisticID
		switch {
		case isPreferred || isOptimistic:
			sess.Unchoke()
		default:
			sess.Choke()
		}
	}

	for _, sess := range sessions {
		sess.ResetDownloadWindow()
	}

	if s.events != nil {
		s.events.PreferredNeighbors(s.cfg.SelfID, preferredIDs)
	}
}

// recalculateOptimisticUnchoke implements spec §4.6's m-second rotation: a
// new optimistic pick is drawn uniformly from sessions that are both
// peer_interested and currently am_choking (so preferred neighbors, already
// unchoked, are never eligible). The outgoing pick is re-choked immediately
// unless it has since become a preferred neighbor on its own merit.
func (s *Scheduler) recalculateOptimisticUnchoke() {
	sessions := s.swarm.Sessions()
	byID := make(map[uint32]*peer.Session, len(sessions))
	for _, sess := range sessions {
		byID[sess.PeerID()] = sess
	}

	s.mu.Lock()
	prevID, hadPrev := s.optimistic, s.hasOptimist
	preferred := s.lastPreferred
	s.mu.Unlock()

	var candidates []*peer.Session
	for _, sess := range sessions {
		if sess.PeerInterested() && sess.AmChoking() {
			candidates = append(candidates, sess)
		}
	}

	if len(candidates) == 0 {
		s.mu.Lock()
		s.hasOptimist = false
		s.mu.Unlock()
		return
	}

	pick := candidates[rand.Intn(len(candidates))]

	s.mu.Lock()
	s.optimistic = pick.PeerID()
	s.hasOptimist = true
	s.mu.Unlock()

	pick.Unchoke()

	// Re-choke the outgoing optimistic pick immediately rather than leaving
	// it unchoked until the next preferred-neighbor tick, unless it has
	// since earned a preferred slot on its own merit (preferred ∩
	// optimistic must stay empty, but a session can't be both at once
	// anyway since recalculatePreferredNeighbors already reconciles this).
	if hadPrev && prevID != pick.PeerID() && !preferred[prevID] {
		if prev, ok := byID[prevID]; ok {
			prev.Choke()
		}
	}

	if s.events != nil {
		s.events.OptimisticallyUnchoked(s.cfg.SelfID, pick.PeerID())
	}
}
