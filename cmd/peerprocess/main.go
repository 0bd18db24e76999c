// Command peerprocess runs one peer in the swarm: it reads the peer's own
// configuration and the shared roster, opens (or creates) its piece store,
// and runs until it holds the complete file and the remote bitmap of every
// live session (at least one) has gone universal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rabbitswarm/p2pfile/internal/config"
	"github.com/rabbitswarm/p2pfile/internal/eventlog"
	"github.com/rabbitswarm/p2pfile/internal/node"
	"github.com/rabbitswarm/p2pfile/internal/scheduler"
	"github.com/rabbitswarm/p2pfile/internal/storage"
	"github.com/rabbitswarm/p2pfile/internal/swarm"
	"github.com/rabbitswarm/p2pfile/internal/utils/bitfield"
	"github.com/rabbitswarm/p2pfile/internal/utils/logging"
)

const (
	configFileName = "Common.cfg"
	rosterFileName = "PeerInfo.cfg"

	readTimeout  = 2 * time.Minute
	writeTimeout = 30 * time.Second
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <peer-id>\n", os.Args[0])
		os.Exit(1)
	}

	selfID64, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		slog.Error("invalid peer id", "arg", os.Args[1], "error", err.Error())
		os.Exit(1)
	}
	selfID := uint32(selfID64)

	if err := run(selfID); err != nil {
		slog.Error("peer process failed", "peer", selfID, "error", err.Error())
		os.Exit(1)
	}
}

func run(selfID uint32) error {
	if err := config.Init(configFileName); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.Load()

	roster, err := config.LoadRoster(rosterFileName)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	self, ok := lookupSelf(roster, selfID)
	if !ok {
		return fmt.Errorf("peer id %d not present in roster", selfID)
	}

	workDir := fmt.Sprintf("peer_%d", selfID)

	events, err := eventlog.Open(workDir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	log := slog.Default().With("peer", selfID)

	numPieces := cfg.NumPieces()

	var initialBitfield bitfield.Bitfield
	var store *storage.Store

	// sw is constructed only after store exists, but store's write-commit
	// hook must call into sw; a forwarding closure breaks the cycle.
	var sw *swarm.Swarm
	onWritten := func(index int) { sw.OnPieceWritten(index) }

	storeCfg := &storage.Config{
		WorkDir:   workDir,
		FileName:  cfg.FileName,
		FileSize:  cfg.FileSize,
		PieceSize: cfg.PieceSize,
		NumPieces: numPieces,
	}

	if self.HasFile {
		store, err = storage.OpenExisting(storeCfg, log, onWritten)
		initialBitfield = bitfield.New(numPieces)
		for i := 0; i < numPieces; i++ {
			initialBitfield.Set(i)
		}
	} else {
		store, err = storage.New(storeCfg, log, onWritten)
	}
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	sw = swarm.New(selfID, numPieces, store, events, log, initialBitfield)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Config{
		SelfID:                      selfID,
		NumberOfPreferredNeighbors:  cfg.NumberOfPreferredNeighbors,
		UnchokingInterval:           time.Duration(cfg.UnchokingInterval) * time.Second,
		OptimisticUnchokingInterval: time.Duration(cfg.OptimisticUnchokingInterval) * time.Second,
	}, sw, events, log)

	n := node.New(selfID, fmt.Sprintf("0.0.0.0:%d", self.Port), roster, sw, sched, events, log, readTimeout, writeTimeout)

	g := runGroup(ctx, store, n)
	return g
}

// runGroup runs storage and the orchestrator together, tearing both down
// when either stops.
func runGroup(ctx context.Context, store *storage.Store, n *node.Node) error {
	errCh := make(chan error, 2)

	storeCtx, storeCancel := context.WithCancel(ctx)
	defer storeCancel()

	go func() { errCh <- store.Run(storeCtx) }()
	go func() { errCh <- n.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func lookupSelf(roster []config.PeerInfo, selfID uint32) (config.PeerInfo, bool) {
	for _, p := range roster {
		if p.PeerID == selfID {
			return p, true
		}
	}
	return config.PeerInfo{}, false
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
