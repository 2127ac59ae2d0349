package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"Stratum/internal/bft"
	"Stratum/internal/crypto"
	"Stratum/internal/group"
	"Stratum/internal/hlc"
	"Stratum/internal/lease"
	"Stratum/internal/logger"
	"Stratum/internal/policyvm"
	"Stratum/internal/reconcile"
	"Stratum/internal/storage"
)

// builtinPolicy selects the bundled wasm threshold policy.
const builtinPolicy = "builtin"

// initCrypto derives the node identity and registers every known key.
func (n *Node) initCrypto(priv ed25519.PrivateKey) error {
	id := crypto.DefaultIdentity(priv.Public().(ed25519.PublicKey))

	signer, err := crypto.NewSigner(id, priv)
	if err != nil {
		return fmt.Errorf("init signer:\n%w", err)
	}

	if got := n.transport.ID(); got != string(id) {
		return errors.Newf("transport identity %s does not match key identity %s", got, id)
	}

	keys := crypto.NewKeyring()
	if err := keys.Add(id, signer.PublicKeys()); err != nil {
		return err
	}

	for i, p := range n.cfg.Peers {
		pk, err := p.Keys()
		if err != nil {
			return errors.Wrapf(err, "peer %d", i)
		}

		if err := keys.Add(crypto.DefaultIdentity(pk.Ed25519), pk); err != nil {
			return errors.Wrapf(err, "peer %d", i)
		}
	}

	n.signer = signer
	n.keys = keys
	n.clock = hlc.New(hlc.WithDriftBound(n.cfg.ClockDriftBound.Std()))
	n.log = logger.Component("node").With("node", string(id))

	return nil
}

// initGroups indexes the configured consensus groups.
func (n *Node) initGroups() error {
	if n.cfg.Group == "" {
		return errors.New("no local group configured")
	}

	n.groups = group.NewIndex()

	for _, gc := range n.cfg.Groups {
		if err := n.groups.Put(gc.Build()); err != nil {
			return errors.Wrapf(err, "group %s", gc.ID)
		}
	}

	if _, err := n.groups.Get(n.cfg.Group); err != nil {
		return errors.Wrapf(err, "local group %s", n.cfg.Group)
	}

	return nil
}

// initStorage opens the Pebble database under the data directory.
func (n *Node) initStorage(opts ...storage.Option) error {
	if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataDir, "db"), opts...)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.journal = storage.NewJournal(db)

	return nil
}

// initLeases creates the lease manager, its keeper and the write gate.
func (n *Node) initLeases() error {
	n.coord = bft.NewCoordinator()

	opts := []lease.Option{
		lease.WithConfig(n.cfg.LeaseConfig()),
		lease.WithStore(lease.NewStore(n.storage)),
		lease.WithAgreer(consensusAgreer{coord: n.coord}),
		lease.WithBroadcaster(n.transport),
		lease.WithMetrics(n.metrics),
		lease.WithOnHeld(func(p *lease.Proof) { n.keeper.Track(p) }),
	}

	if n.cfg.Root != "" {
		opts = append(opts, lease.WithRoot(crypto.Identity(n.cfg.Root)))
	}

	m, err := lease.New(n.signer, n.keys, n.clock, n.groups, n.cfg.Group, opts...)
	if err != nil {
		return fmt.Errorf("init leases:\n%w", err)
	}

	n.leases = m
	n.keeper = lease.NewKeeper(n.ID(), m, n.clock, n.cfg.RenewalWindow.Std())

	for _, p := range m.HeldLeases() {
		n.keeper.Track(p)
	}

	n.gate = lease.NewGate(m, n.journal, n.journal, quorumLiveness{node: n}, n.cfg.FenceAckTimeout.Std())

	return nil
}

// initConsensus creates one engine per configured group. The local group's
// arbitrators validate proposed grants with the lease manager; engines for
// other groups only propose and verify.
func (n *Node) initConsensus() error {
	for _, g := range n.groups.All() {
		opts := []bft.Option{
			bft.WithConfig(n.cfg.BFTConfig()),
			bft.WithBroadcaster(n.transport),
			bft.WithMetrics(n.metrics),
		}

		switch {
		case g.ID == n.cfg.Group:
			opts = append(opts, bft.WithValidator(bft.ValidatorFunc(n.leases.ValidateGrant)))
		case g.IsMember(n.ID()):
			n.log.Warn("member of a non-local group, refusing to arbitrate", "group", g.ID)
			opts = append(opts, bft.WithValidator(bft.ValidatorFunc(func([]byte) error {
				return errors.Newf("%s does not arbitrate group %s", n.ID(), g.ID)
			})))
		}

		e, err := bft.NewEngine(g, n.signer, n.keys, n.clock, opts...)
		if err != nil {
			return fmt.Errorf("init consensus for %s:\n%w", g.ID, err)
		}

		n.coord.Add(e)
	}

	return nil
}

// initReconcile restores the replica and attaches it to the lease table.
func (n *Node) initReconcile() error {
	n.replica = reconcile.NewReplica(string(n.ID()),
		reconcile.WithStore(n.storage),
		reconcile.WithMetrics(n.metrics),
	)

	if err := n.replica.Load(); err != nil {
		return fmt.Errorf("load replica:\n%w", err)
	}

	n.syncer = reconcile.NewSyncer(n.replica, n.transport,
		reconcile.WithBridge(n.leases),
		reconcile.WithInterval(n.cfg.ReconcileInterval.Std()),
		reconcile.WithRequestTimeout(n.cfg.BFTConfig().RoundTimeout()),
	)

	return nil
}

// initPolicy selects the migration policy: the latency policy by default,
// or a wasm module.
func (n *Node) initPolicy() error {
	if n.cfg.Policy == "" {
		n.policy = lease.DefaultLatencyPolicy()
		return nil
	}

	wasm := policyvm.ThresholdModule()

	if n.cfg.Policy != builtinPolicy {
		data, err := os.ReadFile(n.cfg.Policy)
		if err != nil {
			return fmt.Errorf("read policy module:\n%w", err)
		}

		wasm = data
	}

	pool, err := policyvm.NewPool(context.Background())
	if err != nil {
		return fmt.Errorf("init policy runtime:\n%w", err)
	}

	n.pool = pool

	p, err := policyvm.NewPolicy(context.Background(), pool, wasm)
	if err != nil {
		return fmt.Errorf("load policy module:\n%w", err)
	}

	n.policy = p

	return nil
}
