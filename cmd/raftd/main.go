// raftd runs a single group member: it loads its configuration, wires
// together the log, dispatcher, catch-up manager, election coordinator
// and gRPC transport, and serves the RPC surface until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"natraft/internal/raft/catchup"
	"natraft/internal/raft/config"
	"natraft/internal/raft/dispatch"
	"natraft/internal/raft/election"
	raftlog "natraft/internal/raft/log"
	"natraft/internal/raft/member"
	"natraft/internal/raft/metrics"
	"natraft/internal/raft/statemachine"
	"natraft/internal/raft/transport"
	"natraft/internal/raft/types"
)

func main() {
	configPath := flag.String("config", "", "path to the member's YAML config file")
	listenAddr := flag.String("listen", "", "address to serve the RPC surface on (overrides config)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("raftd: -config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("raftd: load config: %v", err)
	}
	if cfg.Self == "" {
		cfg.Self = string(types.NewPeerID())
		log.Printf("raftd: no self id configured, generated %s", cfg.Self)
	}
	addr := *listenAddr
	if addr == "" {
		for _, p := range cfg.Peers {
			if p.ID == cfg.Self {
				addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
			}
		}
	}
	if addr == "" {
		log.Fatalf("raftd: no listen address for self %q in peer list, and -listen not set", cfg.Self)
	}

	if err := os.MkdirAll(cfg.StoragePath, 0755); err != nil {
		log.Fatalf("raftd: create storage dir: %v", err)
	}
	logMgr, err := raftlog.NewBboltManager(cfg.StoragePath + "/log.db")
	if err != nil {
		log.Fatalf("raftd: open log store: %v", err)
	}
	defer logMgr.Close()

	m := metrics.NewMetrics()
	tr := transport.NewTransport(m)
	defer tr.CloseAll()

	self := types.PeerID(cfg.Self)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxBatchSize:     cfg.MaxBatchSize,
		BindingThreadNum: cfg.DispatcherBindingThreadNum,
		MaxFrameSize:     cfg.ThriftMaxFrameSize,
		QueueCapacity:    cfg.MaxNumOfLogsInMem,
		QueueOrdered:     cfg.QueueOrdered(),
	}, cfg.GroupID, self, logMgr, tr, nil) // handler wired to the member below

	catchupMgr := catchup.NewManager(catchup.Config{
		MaxFrameSize:     cfg.ThriftMaxFrameSize,
		CatchUpTimeoutMS: cfg.CatchUpTimeoutMS,
	}, cfg.GroupID, self, &logSourceAdapter{logMgr}, tr, nil) // leadership checker wired to the member below

	coord := election.NewCoordinator(tr)

	sm := statemachine.NewKVMachine()

	mem := member.NewMember(cfg.GroupID, self, member.Config{
		ElectionTimeoutRangeMS:   cfg.ElectionTimeoutRangeMS,
		HeartbeatIntervalMS:      cfg.HeartbeatIntervalMS,
		LeaderStickinessWindowMS: cfg.LeaderStickinessWindowMS,
	}, logMgr, dispatcher, catchupMgr, coord, tr, sm)

	// dispatcher and catchupMgr each need the Member as a callback
	// target, but the Member's constructor needs both of them already
	// built, so the last link is wired here instead of at either
	// constructor call.
	dispatcher.SetHandler(mem)
	catchupMgr.SetLeadershipChecker(mem)

	for _, p := range cfg.Peers {
		if p.ID == cfg.Self {
			continue
		}
		peer := types.Peer{ID: types.PeerID(p.ID), Host: p.Host, Port: p.Port, Enabled: true}
		mem.AddPeer(peer)
		if err := tr.AddPeer(peer.ID, peer.Address()); err != nil {
			logrus.WithError(err).WithField("peer", p.ID).Warn("raftd: failed to dial peer at startup, will retry lazily")
		}
	}

	mem.Start()
	defer mem.Shutdown(10 * time.Second)

	srv, lis, err := transport.Listen(addr, mem)
	if err != nil {
		log.Fatalf("raftd: listen %s: %v", addr, err)
	}
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("raftd: serve: %v", err)
		}
	}()
	log.Printf("raftd: member %s serving group %s on %s", cfg.Self, cfg.GroupID, addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("raftd: shutting down member %s", cfg.Self)
	srv.GracefulStop()
}

// logSourceAdapter satisfies catchup.LogSource over the wider
// log.Manager interface, whose method names serve more callers than
// just the catch-up manager.
type logSourceAdapter struct {
	mgr raftlog.Manager
}

func (a *logSourceAdapter) EntriesFrom(index uint64) ([]*types.Entry, error) {
	return a.mgr.GetEntriesFrom(index)
}

func (a *logSourceAdapter) CurrentSnapshot() (*types.Snapshot, error) {
	return a.mgr.SnapshotMetadata()
}
