// Package node wires the nest coordinator, its storage, the balance
// oracle, the event gossip network and the JSON-RPC server into one
// runnable daemon.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Klingon-tech/timelocknest/config"
	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/internal/nest"
	"github.com/Klingon-tech/timelocknest/internal/oracle"
	"github.com/Klingon-tech/timelocknest/internal/p2p"
	"github.com/Klingon-tech/timelocknest/internal/rpc"
	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// peerPrefix namespaces peer and ban records inside the nest database.
var peerPrefix = []byte("p2p/")

// Node is a fully-initialized nest daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db     storage.DB
	oracle *oracle.Adapter
	coord  *nest.Coordinator

	p2pNode   *p2p.Node // nil when p2p is disabled
	rpcServer *rpc.Server

	unsubscribe func()
	stopOnce    sync.Once
}

// New initializes logging, storage, the oracle and the coordinator, and
// constructs (but does not start) the network services.
func New(cfg *config.Config) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(cfg.LogsDir(), "nestd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("version", config.Version).
		Str("network", string(cfg.Network)).
		Str("storage", cfg.Storage.Backend).
		Str("oracle", cfg.Oracle.Mode).
		Msg("Starting Time-Locked Nest daemon")

	db, err := storage.Open(cfg.Storage.Backend, cfg.NestsDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.NestsDir(), err)
	}
	logger.Info().Str("path", cfg.NestsDir()).Msg("Database opened")

	adapter, err := oracle.New(cfg.Oracle.Mode, cfg.Oracle.Endpoint, cfg.Oracle.Timeout, cfg.Oracle.Balances)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create oracle: %w", err)
	}

	coord, err := nest.NewCoordinator(db, adapter)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	logger.Info().Uint64("nests", coord.Count()).Msg("Nest coordinator ready")

	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		oracle: adapter,
		coord:  coord,
	}

	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DHTServer:  cfg.P2P.DHTServer,
			DB:         storage.NewPrefixDB(db, peerPrefix),
			NetworkID:  string(cfg.Network),
			DataDir:    cfg.PeersDir(),
		})
		n.p2pNode.SetNestCountFn(coord.Count)
		n.p2pNode.SetEventHandler(n.handleRemoteEvent)
		n.unsubscribe = coord.Bus().Subscribe(n.broadcastLocalEvent)
	} else {
		logger.Warn().Msg("P2P disabled by config; events stay local")
	}

	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(addr, coord, n.p2pNode, cfg.RPC)
		n.rpcServer.SetNetwork(string(cfg.Network))
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// Start brings up the p2p node, then the RPC server, which reports p2p
// status. If either fails, everything already started is stopped again.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("start P2P: %w", err)
		}
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("start RPC: %w", err)
		}
	}

	ev := n.logger.Info().Uint64("nests", n.coord.Count())
	if n.rpcServer != nil {
		ev = ev.Str("rpc", n.rpcServer.Addr())
	}
	if n.p2pNode != nil {
		ev = ev.Str("peer_id", n.p2pNode.ID().String())
	}
	ev.Msg("Node started")
	return nil
}

// Stop shuts down the network services in parallel, then closes the
// database. It is safe to call more than once.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		if n.unsubscribe != nil {
			n.unsubscribe()
		}

		var g errgroup.Group
		if n.rpcServer != nil {
			g.Go(n.rpcServer.Stop)
		}
		if n.p2pNode != nil {
			g.Go(n.p2pNode.Stop)
		}
		if stopErr := g.Wait(); stopErr != nil {
			n.logger.Warn().Err(stopErr).Msg("Error stopping services")
			err = stopErr
		}

		if closeErr := n.db.Close(); closeErr != nil {
			n.logger.Error().Err(closeErr).Msg("Error closing database")
			if err == nil {
				err = closeErr
			}
		}
		n.logger.Info().Msg("Node stopped")
	})
	return err
}

// Coordinator returns the nest coordinator.
func (n *Node) Coordinator() *nest.Coordinator {
	return n.coord
}

// Oracle returns the balance oracle adapter.
func (n *Node) Oracle() *oracle.Adapter {
	return n.oracle
}

// P2P returns the p2p node, or nil when p2p is disabled.
func (n *Node) P2P() *p2p.Node {
	return n.p2pNode
}

// RPCAddr returns the RPC listen address, or "" when RPC is disabled.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// broadcastLocalEvent gossips events produced by this node's coordinator.
func (n *Node) broadcastLocalEvent(ev nest.Event) {
	if ev.Remote {
		return
	}
	if err := n.p2pNode.BroadcastEvent(ev); err != nil {
		n.logger.Debug().Err(err).Str("event", ev.ID).Msg("Event not broadcast")
	}
}

// handleRemoteEvent records an event gossiped by a peer. Remote events
// are informational only and never touch nest state.
func (n *Node) handleRemoteEvent(from peer.ID, ev nest.Event) {
	ev.Remote = true
	n.coord.Bus().Record(ev)
	n.logger.Debug().
		Str("from", from.String()).
		Str("kind", string(ev.Kind)).
		Uint64("nest_id", ev.NestID).
		Msg("Remote event recorded")
}
