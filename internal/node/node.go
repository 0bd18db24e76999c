// Package node is the peer orchestrator: it owns the listen loop, the
// outgoing dial loop, the scheduler, and termination detection, wiring
// together the protocol, swarm, storage, and scheduler packages into one
// running peer process, per spec §4.7.
//
// The caller builds storage, the swarm on top of it and the scheduler, and
// hands the swarm and scheduler to New; Run drives the scheduler, the accept
// loop, the dial pass and termination detection through one errgroup.
// Storage is run by the caller, not by the node.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitswarm/p2pfile/internal/config"
	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/peer"
	"github.com/rabbitswarm/p2pfile/internal/protocol"
	"github.com/rabbitswarm/p2pfile/internal/scheduler"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Swarm is the subset of swarm.Swarm the orchestrator depends on.
type Swarm interface {
	Hooks() peer.Hooks
	AddSession(sess *peer.Session)
	AllRemotesComplete() bool
	HasPiece(index int) bool
	NumPieces() int
}

// dialTimeout bounds a single outbound connection attempt, per spec §4.7.
const dialTimeout = 30 * time.Second

// handshakeTimeout bounds the handshake sub-protocol on both dial and accept
// paths, per spec §5.
const handshakeTimeout = 10 * time.Second

// dialMaxAttempts and dialBackoffBase bound outbound dial retries: three
// attempts, doubling from a 2s base, before the target is logged and
// skipped.
const dialMaxAttempts = 3
const dialBackoffBase = 2 * time.Second

// Node runs one peer process: it dials lower-numbered peers, listens for
// higher-numbered ones, and shuts itself down once the swarm is complete.
type Node struct {
	selfID uint32
	listen string
	roster []config.PeerInfo

	swarm     Swarm
	scheduler *scheduler.Scheduler
	events    *eventlog.Logger
	log       *slog.Logger

	readTimeout, writeTimeout time.Duration

	done chan struct{}
}

// New constructs a Node for selfID, listening on listen ("host:port"), with
// the full peer roster (including self) for dial-target resolution.
func New(selfID uint32, listen string, roster []config.PeerInfo, sw Swarm, sched *scheduler.Scheduler, events *eventlog.Logger, log *slog.Logger, readTimeout, writeTimeout time.Duration) *Node {
	return &Node{
		selfID:       selfID,
		listen:       listen,
		roster:       roster,
		swarm:        sw,
		scheduler:    sched,
		events:       events,
		log:          log.With("component", "node", "peer", selfID),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Run drives the full peer lifecycle until the swarm completes or ctx is
// cancelled, whichever comes first.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.listen)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", n.listen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.scheduler.Run(gctx) })
	g.Go(func() error { return n.acceptLoop(gctx, ln) })

	// Termination is checked only once the dial pass has finished, so a
	// shutdown never begins while an outbound dial is still pending.
	dialsDone := make(chan struct{})
	g.Go(func() error {
		defer close(dialsDone)
		return n.dialOutboundPeers(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-dialsDone:
		}
		return n.terminationWatcher(gctx, cancel)
	})

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// targetsBelowSelf returns roster entries strictly below selfID, in
// ascending dial order, per spec §4.7 step 3.
func (n *Node) targetsBelowSelf() []config.PeerInfo {
	below := lo.Filter(n.roster, func(p config.PeerInfo, _ int) bool {
		return p.PeerID < n.selfID
	})
	sort.Slice(below, func(i, j int) bool { return below[i].PeerID < below[j].PeerID })
	return below
}

func (n *Node) dialOutboundPeers(ctx context.Context) error {
	targets := n.targetsBelowSelf()

	for _, target := range targets {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := n.dialOne(ctx, target); err != nil {
			n.log.Warn("dial failed", "target", target.PeerID, "error", err.Error())
		}
	}
	return nil
}

// dialOne attempts target up to dialMaxAttempts times, doubling the backoff
// between attempts, before giving up.
func (n *Node) dialOne(ctx context.Context, target config.PeerInfo) error {
	var lastErr error
	backoff := dialBackoffBase

	for attempt := 1; attempt <= dialMaxAttempts; attempt++ {
		conn, err := n.dialAttempt(ctx, target)
		if err == nil {
			n.adopt(ctx, conn.conn, conn.remote.PeerID, uuid.New())
			if n.events != nil {
				n.events.ConnectedTo(n.selfID, conn.remote.PeerID)
			}
			return nil
		}
		lastErr = err

		if attempt == dialMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("dial %d after %d attempts: %w", target.PeerID, dialMaxAttempts, lastErr)
}

type dialedPeer struct {
	conn   net.Conn
	remote protocol.Handshake
}

func (n *Node) dialAttempt(ctx context.Context, target config.PeerInfo) (dialedPeer, error) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dialedPeer{}, err
	}

	remote, err := protocol.Exchange(conn, n.selfID, target.PeerID, handshakeTimeout)
	if err != nil {
		conn.Close()
		return dialedPeer{}, err
	}
	return dialedPeer{conn: conn, remote: remote}, nil
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go n.acceptOne(ctx, conn)
	}
}

func (n *Node) acceptOne(ctx context.Context, conn net.Conn) {
	remote, err := protocol.Exchange(conn, n.selfID, 0, handshakeTimeout)
	if err != nil {
		n.log.Warn("inbound handshake failed", "error", err.Error())
		conn.Close()
		return
	}

	n.adopt(ctx, conn, remote.PeerID, uuid.New())
	if n.events != nil {
		n.events.ConnectedFrom(n.selfID, remote.PeerID)
	}
}

// adopt registers a handshaken connection as a live session and runs it in
// the background, tagging the run with a correlation id for log
// readability; the id itself carries no protocol meaning.
func (n *Node) adopt(ctx context.Context, conn net.Conn, remotePeerID uint32, correlationID uuid.UUID) {
	sess := peer.New(conn, remotePeerID, n.swarm.Hooks(), n.log.With("conn", correlationID.String()), n.readTimeout, n.writeTimeout)
	n.swarm.AddSession(sess)

	go func() {
		if err := sess.Run(ctx); err != nil {
			n.log.Debug("session ended", "peer", remotePeerID, "error", err.Error())
		}
	}()
}

// terminationWatcher polls for the shutdown condition of spec §4.7: self
// possession complete and every live remote bitmap universal. Run starts it
// only after the dial pass has finished, so no outgoing dial is pending. On
// satisfaction it cancels the run's context.
func (n *Node) terminationWatcher(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n.isComplete() {
				close(n.done)
				cancel()
				return nil
			}
		}
	}
}

func (n *Node) isComplete() bool {
	for i := 0; i < n.swarm.NumPieces(); i++ {
		if !n.swarm.HasPiece(i) {
			return false
		}
	}
	return n.swarm.AllRemotesComplete()
}

// Done returns a channel closed once the node has detected completion and
// begun shutdown.
func (n *Node) Done() <-chan struct{} { return n.done }
