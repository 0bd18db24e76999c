// Package peer implements the per-peer session: the protocol state machine
// of one live neighbor connection, per spec §4.3.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/protocol"
	"github.com/rabbitswarm/p2pfile/internal/utils/bitfield"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// noOutstanding marks that a session currently has no outstanding request.
const noOutstanding = -1

// Hooks is the set of swarm-level callbacks a Session invokes as it
// processes inbound frames. They let Session stay ignorant of storage and
// of every other session; cross-session coordination (duplicate piece
// exclusion, request selection) lives entirely on the swarm side.
type Hooks struct {
	NumPieces int
	BitmapLen int

	// SelfID identifies the owning peer, for event-log entries; Events may
	// be nil, in which case per-session events are simply not recorded.
	SelfID uint32
	Events *eventlog.Logger

	// SelfBitfield returns a fresh copy of the self-possession bitmap,
	// sent unconditionally right after handshake.
	SelfBitfield func() bitfield.Bitfield

	// NeedsPiece reports whether the owner still needs piece index.
	NeedsPiece func(index int) bool

	// HasPiece reports whether the owner currently possesses piece index.
	HasPiece func(index int) bool

	// ReadPiece returns the on-disk content of piece index. It is called to
	// serve a request when HasPiece(index) is true, and also, for any
	// in-range index, to learn the expected length of an inbound piece.
	ReadPiece func(index int) ([]byte, error)

	// PickRequest selects the next piece to request from this peer id,
	// honoring cross-session exclusion of pieces already in flight
	// elsewhere. ok is false if no eligible piece remains.
	PickRequest func(peerID uint32) (index int, ok bool)

	// OnPiece delivers a fully received piece to the swarm write path.
	OnPiece func(peerID uint32, index int, data []byte)

	// OnDisconnect notifies the swarm that this session's transport has
	// closed, for membership bookkeeping.
	OnDisconnect func(peerID uint32)
}

// Session owns one connection's protocol state: interest, choke, the
// remote's advertised bitmap, per-window byte counters, and the
// at-most-one-outstanding-request invariant.
type Session struct {
	log    *slog.Logger
	conn   net.Conn
	peerID uint32
	hooks  Hooks

	state atomic.Uint32

	mu                 sync.Mutex
	remoteBitfield     bitfield.Bitfield
	outstandingRequest int

	downloadedWindow atomic.Uint64
	downloadedTotal  atomic.Uint64
	uploadedTotal    atomic.Uint64

	outbox    chan *protocol.Message
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New wraps an already handshaken connection as a session. peerID is the
// remote's identifier.
func New(conn net.Conn, peerID uint32, hooks Hooks, log *slog.Logger, readTimeout, writeTimeout time.Duration) *Session {
	s := &Session{
		log:                log.With("peer", peerID),
		conn:               conn,
		peerID:             peerID,
		hooks:              hooks,
		remoteBitfield:     bitfield.New(hooks.NumPieces),
		outstandingRequest: noOutstanding,
		outbox:             make(chan *protocol.Message, 64),
		readTimeout:        readTimeout,
		writeTimeout:       writeTimeout,
	}
	s.state.Store(maskAmChoking | maskPeerChoking)
	return s
}

// PeerID returns the remote peer's identifier.
func (s *Session) PeerID() uint32 { return s.peerID }

// Run drives the session until ctx is cancelled or the transport fails. It
// sends the initial bitfield unconditionally, then services the read and
// write loops concurrently.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.enqueue(protocol.MessageBitfield(s.hooks.SelfBitfield().Bytes()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(s.peerID)
	}
	return err
}

// Close tears down the transport and stops both loops. Safe to call
// multiple times and concurrently with Run.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	fr := protocol.NewFrameReader(s.conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		m, err := fr.ReadFrame()
		if err != nil {
			return err
		}

		if err := m.Validate(s.hooks.NumPieces, s.hooks.BitmapLen, s.pieceSizeOf); err != nil {
			s.log.Warn("malformed frame, closing session", "error", err.Error())
			return err
		}

		if err := s.handleFrame(m); err != nil {
			return err
		}
	}
}

func (s *Session) pieceSizeOf(index uint32) (int, bool) {
	if int(index) >= s.hooks.NumPieces {
		return 0, false
	}
	data, err := s.hooks.ReadPiece(int(index))
	if err != nil {
		return 0, false
	}
	return len(data), true
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := protocol.WriteMessage(s.conn, m); err != nil {
				return fmt.Errorf("session: write to peer %d: %w", s.peerID, err)
			}
		}
	}
}

func (s *Session) handleFrame(m *protocol.Message) error {
	switch m.ID {
	case protocol.Bitfield:
		s.mu.Lock()
		s.remoteBitfield = bitfield.FromBytes(m.Payload)
		s.mu.Unlock()
		s.recomputeInterest()

	case protocol.Interested:
		s.setState(maskPeerInterested, true)
		if s.hooks.Events != nil {
			s.hooks.Events.ReceivedInterested(s.hooks.SelfID, s.peerID)
		}

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)
		if s.hooks.Events != nil {
			s.hooks.Events.ReceivedNotInterested(s.hooks.SelfID, s.peerID)
		}

	case protocol.Choke:
		s.setState(maskPeerChoking, true)
		s.mu.Lock()
		s.outstandingRequest = noOutstanding
		s.mu.Unlock()
		if s.hooks.Events != nil {
			s.hooks.Events.ChokedBy(s.hooks.SelfID, s.peerID)
		}

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		if s.hooks.Events != nil {
			s.hooks.Events.UnchokedBy(s.hooks.SelfID, s.peerID)
		}
		if s.AmInterested() {
			s.maybeRequest()
		}

	case protocol.Have:
		idx, _ := m.ParseHave()
		s.mu.Lock()
		s.remoteBitfield.Set(int(idx))
		s.mu.Unlock()
		if s.hooks.Events != nil {
			s.hooks.Events.ReceivedHave(s.hooks.SelfID, s.peerID, int(idx))
		}
		if s.hooks.NeedsPiece(int(idx)) && !s.AmInterested() {
			s.setState(maskAmInterested, true)
			s.enqueue(protocol.MessageInterested())
		}

	case protocol.Request:
		idx, _ := m.ParseRequest()
		if s.AmChoking() {
			return nil
		}
		if !s.hooks.HasPiece(int(idx)) {
			return nil
		}
		data, err := s.hooks.ReadPiece(int(idx))
		if err != nil {
			s.log.Warn("serving piece failed", "piece", idx, "error", err.Error())
			return nil
		}
		s.enqueue(protocol.MessagePiece(idx, data))
		s.uploadedTotal.Add(uint64(len(data)))

	case protocol.Piece:
		idx, data, ok := m.ParsePiece()
		if !ok {
			return errors.New("session: malformed piece payload")
		}
		s.downloadedTotal.Add(uint64(len(data)))
		s.downloadedWindow.Add(uint64(len(data)))

		s.mu.Lock()
		s.outstandingRequest = noOutstanding
		s.mu.Unlock()

		if s.hooks.OnPiece != nil {
			s.hooks.OnPiece(s.peerID, int(idx), data)
		}
		s.maybeRequest()

	default:
		return fmt.Errorf("session: unexpected message id %v", m.ID)
	}

	return nil
}

// recomputeInterest re-evaluates am_interested against the remote's current
// bitmap, per the bitfield-handling rule of spec §4.3.
func (s *Session) recomputeInterest() {
	s.mu.Lock()
	remote := s.remoteBitfield
	s.mu.Unlock()

	interesting := false
	for i := 0; i < s.hooks.NumPieces; i++ {
		if remote.Has(i) && s.hooks.NeedsPiece(i) {
			interesting = true
			break
		}
	}

	wasInterested := s.AmInterested()
	if interesting && !wasInterested {
		s.setState(maskAmInterested, true)
		s.enqueue(protocol.MessageInterested())
		s.maybeRequest()
	} else if !interesting && wasInterested {
		s.setState(maskAmInterested, false)
		s.enqueue(protocol.MessageNotInterested())
	}
}

// maybeRequest issues one piece request if the session is in the
// request-eligible transition of spec §4.5.
func (s *Session) maybeRequest() {
	if !s.AmInterested() || s.PeerChoking() {
		return
	}

	s.mu.Lock()
	hasOutstanding := s.outstandingRequest != noOutstanding
	s.mu.Unlock()
	if hasOutstanding {
		return
	}

	idx, ok := s.hooks.PickRequest(s.peerID)
	if !ok {
		s.setState(maskAmInterested, false)
		s.enqueue(protocol.MessageNotInterested())
		return
	}

	s.mu.Lock()
	s.outstandingRequest = idx
	s.mu.Unlock()

	s.enqueue(protocol.MessageRequest(uint32(idx)))
}

// RemoteBitfield returns a copy of the remote's advertised possession map.
func (s *Session) RemoteBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBitfield.Clone()
}

// OutstandingRequest returns the piece index currently requested of this
// peer, or -1 if none.
func (s *Session) OutstandingRequest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingRequest
}

// RecomputeInterestAfterWrite re-evaluates am_interested against an updated
// self-needed set, per swarm write-path step 5. If no longer interesting it
// sends not_interested; it never upgrades interest (only bitfield/have do).
func (s *Session) RecomputeInterestAfterWrite() {
	if !s.AmInterested() {
		return
	}

	s.mu.Lock()
	remote := s.remoteBitfield
	s.mu.Unlock()

	for i := 0; i < s.hooks.NumPieces; i++ {
		if remote.Has(i) && s.hooks.NeedsPiece(i) {
			return
		}
	}

	s.setState(maskAmInterested, false)
	s.enqueue(protocol.MessageNotInterested())
}

// SendHave enqueues a have(index) frame.
func (s *Session) SendHave(index int) {
	s.enqueue(protocol.MessageHave(uint32(index)))
}

// Choke sends a choke frame and sets am_choking.
func (s *Session) Choke() {
	if s.AmChoking() {
		return
	}
	s.setState(maskAmChoking, true)
	s.enqueue(protocol.MessageChoke())
}

// Unchoke sends an unchoke frame and clears am_choking.
func (s *Session) Unchoke() {
	if !s.AmChoking() {
		return
	}
	s.setState(maskAmChoking, false)
	s.enqueue(protocol.MessageUnchoke())
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return s.state.Load()&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := s.state.Load()
		var updated uint32
		if on {
			updated = old | mask
		} else {
			updated = old &^ mask
		}
		if s.state.CompareAndSwap(old, updated) {
			return
		}
	}
}

// DownloadWindowBytes returns the bytes downloaded from this peer since the
// last ResetDownloadWindow call.
func (s *Session) DownloadWindowBytes() uint64 { return s.downloadedWindow.Load() }

// ResetDownloadWindow zeroes the rolling download-byte counter. Called by
// the scheduler at the end of each preferred-neighbor tick; the window is
// tumbling, not sliding.
func (s *Session) ResetDownloadWindow() { s.downloadedWindow.Store(0) }

// Totals returns lifetime downloaded/uploaded byte counts for this session.
func (s *Session) Totals() (downloaded, uploaded uint64) {
	return s.downloadedTotal.Load(), s.uploadedTotal.Load()
}

func (s *Session) enqueue(m *protocol.Message) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.outbox <- m:
	default:
		s.log.Warn("outbox full, dropping frame", "type", m.ID.String())
	}
}
