package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rabbitswarm/p2pfile/internal/protocol"
	"github.com/rabbitswarm/p2pfile/internal/utils/bitfield"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHooks builds a Hooks value backed by simple in-memory state, so
// session tests don't depend on storage or swarm.
type testHooks struct {
	mu          sync.Mutex
	self        bitfield.Bitfield
	pieces      map[int][]byte
	pickReturn  map[uint32]int
	pickOK      map[uint32]bool
	piecesSeen  []receivedPiece
	disconnects []uint32
}

type receivedPiece struct {
	peerID uint32
	index  int
	data   []byte
}

func newTestHooks(numPieces int) *testHooks {
	return &testHooks{
		self:       bitfield.New(numPieces),
		pieces:     make(map[int][]byte),
		pickReturn: make(map[uint32]int),
		pickOK:     make(map[uint32]bool),
	}
}

func (h *testHooks) hooks(numPieces int) Hooks {
	return Hooks{
		NumPieces: numPieces,
		BitmapLen: (numPieces + 7) / 8,
		SelfBitfield: func() bitfield.Bitfield {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.self.Clone()
		},
		NeedsPiece: func(index int) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return !h.self.Has(index)
		},
		HasPiece: func(index int) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.self.Has(index)
		},
		ReadPiece: func(index int) ([]byte, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			data, ok := h.pieces[index]
			if !ok {
				return nil, errors.New("no such piece")
			}
			return data, nil
		},
		PickRequest: func(peerID uint32) (int, bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.pickReturn[peerID], h.pickOK[peerID]
		},
		OnPiece: func(peerID uint32, index int, data []byte) {
			h.mu.Lock()
			h.piecesSeen = append(h.piecesSeen, receivedPiece{peerID, index, data})
			h.mu.Unlock()
		},
		OnDisconnect: func(peerID uint32) {
			h.mu.Lock()
			h.disconnects = append(h.disconnects, peerID)
			h.mu.Unlock()
		},
	}
}

func pipePair() (net.Conn, net.Conn) { return net.Pipe() }

func TestSession_SendsInitialBitfieldOnRun(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	hooks := newTestHooks(4)
	hooks.self.Set(1)

	sess := New(server, 2001, hooks.hooks(4), discardLogger(), 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := protocol.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != protocol.Bitfield {
		t.Fatalf("first message id = %v, want Bitfield", m.ID)
	}

	cancel()
	<-done
}

func TestSession_HandleBitfield_BecomesInterested(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	hooks := newTestHooks(4) // self has nothing
	sess := New(server, 2001, hooks.hooks(4), discardLogger(), 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	// drain our own initial bitfield send
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(client); err != nil {
		t.Fatalf("drain initial bitfield: %v", err)
	}

	remoteBits := []byte{0xF0} // pieces 0-3 all set (4 bits used, padding zero)
	if err := protocol.WriteMessage(client, protocol.MessageBitfield(remoteBits)); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage reply: %v", err)
	}
	if reply.ID != protocol.Interested {
		t.Fatalf("reply id = %v, want Interested", reply.ID)
	}
	if !sess.AmInterested() {
		t.Fatalf("AmInterested() = false, want true")
	}

	cancel()
	<-done
}

func TestSession_UnchokeTriggersRequest(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	hooks := newTestHooks(4)
	sess := New(server, 2001, hooks.hooks(4), discardLogger(), 0, 0)
	hooks.mu.Lock()
	hooks.pickReturn[2001] = 3
	hooks.pickOK[2001] = true
	hooks.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(client); err != nil { // initial bitfield
		t.Fatalf("drain initial bitfield: %v", err)
	}

	if err := protocol.WriteMessage(client, protocol.MessageBitfield([]byte{0xF0})); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadMessage(client); err != nil { // interested
		t.Fatalf("drain interested: %v", err)
	}

	if err := protocol.WriteMessage(client, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reqMsg, err := protocol.ReadMessage(client)
	if err != nil {
		t.Fatalf("ReadMessage request: %v", err)
	}
	if reqMsg.ID != protocol.Request {
		t.Fatalf("id = %v, want Request", reqMsg.ID)
	}
	idx, ok := reqMsg.ParseRequest()
	if !ok || idx != 3 {
		t.Fatalf("requested index = (%d,%v), want (3,true)", idx, ok)
	}
	if got := sess.OutstandingRequest(); got != 3 {
		t.Fatalf("OutstandingRequest() = %d, want 3", got)
	}

	cancel()
	<-done
}

func TestSession_ChokeClearsOutstandingRequest(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	hooks := newTestHooks(4)
	sess := New(server, 2001, hooks.hooks(4), discardLogger(), 0, 0)
	hooks.mu.Lock()
	hooks.pickReturn[2001] = 0
	hooks.pickOK[2001] = true
	hooks.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	protocol.ReadMessage(client) // initial bitfield

	protocol.WriteMessage(client, protocol.MessageBitfield([]byte{0xF0}))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	protocol.ReadMessage(client) // interested

	protocol.WriteMessage(client, protocol.MessageUnchoke())
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	protocol.ReadMessage(client) // request

	if sess.OutstandingRequest() != 0 {
		t.Fatalf("expected outstanding request before choke")
	}

	protocol.WriteMessage(client, protocol.MessageChoke())
	time.Sleep(50 * time.Millisecond)

	if sess.OutstandingRequest() != noOutstanding {
		t.Fatalf("OutstandingRequest() = %d after choke, want %d", sess.OutstandingRequest(), noOutstanding)
	}

	cancel()
	<-done
}

func TestSession_RequestForChokedPeerIgnored(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	hooks := newTestHooks(2)
	hooks.self.Set(0)
	hooks.pieces[0] = []byte("hello!!!")
	sess := New(server, 2001, hooks.hooks(2), discardLogger(), 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	protocol.ReadMessage(client) // initial bitfield from us (am_choking still true by default)

	// am_choking is true by default; remote sends a request, we must ignore
	// it silently (no piece frame sent back).
	protocol.WriteMessage(client, protocol.MessageRequest(0))

	time.Sleep(50 * time.Millisecond)
	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := protocol.ReadMessage(client)
	if err == nil {
		t.Fatalf("expected no frame sent while am_choking, but got one")
	}

	cancel()
	<-done
}

func TestSession_DisconnectHookCalledOnClose(t *testing.T) {
	client, server := pipePair()

	hooks := newTestHooks(2)
	sess := New(server, 2001, hooks.hooks(2), discardLogger(), 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	protocol.ReadMessage(client) // initial bitfield

	client.Close()
	<-done
	cancel()

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.disconnects) != 1 || hooks.disconnects[0] != 2001 {
		t.Fatalf("disconnects = %v, want [2001]", hooks.disconnects)
	}
}
