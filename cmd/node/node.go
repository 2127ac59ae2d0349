package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"Stratum/internal/api"
	"Stratum/internal/bft"
	"Stratum/internal/config"
	"Stratum/internal/crypto"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
	"Stratum/internal/logger"
	"Stratum/internal/metrics"
	"Stratum/internal/network"
	"Stratum/internal/policyvm"
	"Stratum/internal/reconcile"
	"Stratum/internal/storage"
)

const (
	// connectRetries is how many times a configured peer is dialled at startup.
	connectRetries = 5

	// connectRetryDelay separates startup dial attempts.
	connectRetryDelay = 2 * time.Second

	// rebalanceInterval is how often the migration policy is consulted.
	rebalanceInterval = 10 * time.Second
)

// Node is a running lease authority.
type Node struct {
	cfg     *config.Config
	signer  *crypto.Signer
	keys    *crypto.Keyring
	clock   *hlc.Clock
	groups  *group.Index
	metrics *metrics.Metrics
	log     *slog.Logger

	storage   *storage.Storage
	journal   *storage.Journal
	transport network.Transport
	quic      *network.Node // quic is nil when running on an in-process hub

	coord   *bft.Coordinator
	leases  *lease.Manager
	keeper  *lease.Keeper
	tracker *lease.AccessTracker
	policy  lease.Policy
	pool    *policyvm.Pool // pool is set when the policy is a wasm module
	gate    *lease.Gate
	replica *reconcile.Replica
	syncer  *reconcile.Syncer
	api     *api.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewNode creates a node listening on QUIC.
func NewNode(cfg *config.Config, priv ed25519.PrivateKey) (*Node, error) {
	m := metrics.New()

	qn, err := network.NewNode(network.Config{
		PrivateKey: priv,
		ListenAddr: cfg.Listen,
		Metrics:    m,
	})
	if err != nil {
		return nil, fmt.Errorf("init network:\n%w", err)
	}

	n, err := build(cfg, priv, qn, m)
	if err != nil {
		_ = qn.Close()
		return nil, err
	}

	n.quic = qn

	return n, nil
}

// build wires every component on top of transport.
func build(cfg *config.Config, priv ed25519.PrivateKey, transport network.Transport, m *metrics.Metrics, storeOpts ...storage.Option) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		metrics:   m,
		transport: transport,
		tracker:   lease.NewAccessTracker(),
		ctx:       ctx,
		cancel:    cancel,
	}

	steps := []func() error{
		func() error { return n.initCrypto(priv) },
		n.initGroups,
		func() error { return n.initStorage(storeOpts...) },
		n.initLeases,
		n.initConsensus,
		n.initReconcile,
		n.initPolicy,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	transport.OnMessage(n.handleMessage)
	transport.OnRequest(n.handleRequest)

	n.api = api.New(cfg.HTTP, leaseService{Manager: n.leases, keeper: n.keeper},
		trackedStore{gate: n.gate, tracker: n.tracker, self: n.signer.Identity()}, n, m.Handler())

	return n, nil
}

// ID returns the node identity.
func (n *Node) ID() crypto.Identity {
	return n.signer.Identity()
}

// Start begins serving and runs the background loops.
func (n *Node) Start() error {
	if n.quic != nil {
		if err := n.quic.Start(); err != nil {
			return fmt.Errorf("start network:\n%w", err)
		}

		n.connectPeers()
	}

	if n.cfg.HTTP != "" {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.keeper.Start()
	n.syncer.Start()

	n.wg.Add(1)
	go n.maintain()

	n.log.Info("node started", "group", n.cfg.Group, "listen", n.cfg.Listen, "http", n.cfg.HTTP)

	return nil
}

// Run starts the node and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		_ = n.Close()
		return err
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully. Later calls return the
// first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.shutdown()
	})

	return n.closeErr
}

func (n *Node) shutdown() error {
	n.cancel()

	if n.api != nil {
		_ = n.api.Stop()
	}

	if n.syncer != nil {
		n.syncer.Stop()
	}

	if n.keeper != nil {
		n.keeper.Stop()
	}

	if n.quic != nil {
		_ = n.quic.Close()
	}

	n.wg.Wait()

	if n.leases != nil && n.storage != nil {
		if err := n.leases.Snapshot(); err != nil {
			n.logger().Warn("final lease snapshot", "error", err)
		}
	}

	if n.pool != nil {
		_ = n.pool.Close(context.Background())
	}

	if n.storage != nil {
		return n.storage.Close()
	}

	return nil
}

func (n *Node) logger() *slog.Logger {
	if n.log == nil {
		return logger.Component("node")
	}

	return n.log
}

// Status implements api.StatusProvider.
func (n *Node) Status() api.Status {
	return api.Status{
		Node:           string(n.ID()),
		Group:          n.cfg.Group,
		Clock:          n.clock.Last().String(),
		Peers:          n.transport.Peers(),
		Leases:         len(n.leases.Leases()),
		ReplicaVersion: n.replica.Version(),
	}
}

// connectPeers dials every configured peer whose identity sorts above ours,
// so each pair shares one connection. Peers below dial us.
func (n *Node) connectPeers() {
	for _, p := range n.cfg.Peers {
		id, err := p.Identity()
		if err != nil || id == n.ID() || id < n.ID() {
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.connectToPeer(string(id), p.Address)
		}()
	}
}

// connectToPeer dials addr with a bounded number of retries.
func (n *Node) connectToPeer(id, addr string) {
	for attempt := range connectRetries {
		if n.quic.Peer(id) != nil {
			return
		}

		peer, err := n.quic.Connect(addr)
		if err == nil {
			n.log.Info("connected to peer", "peer", peer.ID(), "addr", addr)
			return
		}

		if attempt == connectRetries-1 {
			n.log.Warn("failed to connect to peer", "peer", id, "addr", addr, "attempts", connectRetries, "error", err)
			return
		}

		n.log.Debug("retrying peer connection", "peer", id, "attempt", attempt+1, "error", err)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(connectRetryDelay):
		}
	}
}

// maintain runs lease cleanup and rebalancing until Close.
func (n *Node) maintain() {
	defer n.wg.Done()

	cleanup := time.NewTicker(n.cfg.TombstoneGrace.Std())
	defer cleanup.Stop()

	rebalance := time.NewTicker(rebalanceInterval)
	defer rebalance.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return

		case <-cleanup.C:
			if removed := n.leases.Cleanup(); removed > 0 {
				n.log.Debug("expired leases removed", "count", removed)
			}

		case <-rebalance.C:
			moved, err := n.leases.Rebalance(n.ctx, n.tracker, n.policy)
			if err != nil {
				n.log.Warn("rebalance", "error", err)
			}

			if len(moved) > 0 {
				n.log.Info("leases migrated", "count", len(moved))
			}
		}
	}
}
