package main

import (
	"github.com/cockroachdb/errors"

	"Stratum/internal/codec"
	"Stratum/internal/lease"
)

// handleMessage dispatches a flooded frame by its type.
func (n *Node) handleMessage(from string, data []byte) {
	t, err := codec.Peek(data)
	if err != nil {
		n.log.Debug("drop frame", "from", from, "error", err)
		return
	}

	switch t {
	case codec.TypePropose, codec.TypeShare, codec.TypeCommit, codec.TypeEvidence:
		err = n.coord.Handle(data)

	case codec.TypeLeaseGrant:
		var p lease.Proof
		if err = codec.Decode(data, t, &p); err == nil {
			err = n.leases.ApplyGrant(&p)
		}

	case codec.TypeFence:
		var cert lease.FenceCertificate
		if err = codec.Decode(data, t, &cert); err == nil {
			err = n.leases.ApplyFence(&cert)
		}

	case codec.TypeFenceAck:
		var ack lease.FenceAck
		if err = codec.Decode(data, t, &ack); err == nil {
			err = n.leases.HandleFenceAck(&ack)
		}

	case codec.TypeDigest:
		// Pulling waits on a request, so keep it off the delivery path.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			if err := n.syncer.HandleDigest(n.ctx, from, data); err != nil {
				n.log.Debug("reconcile", "from", from, "error", err)
			}
		}()

	default:
		err = errors.Newf("unexpected flooded %s", t)
	}

	if err != nil {
		n.log.Debug("message rejected", "type", t, "from", from, "error", err)
	}
}

// handleRequest answers a direct request.
func (n *Node) handleRequest(from string, data []byte) ([]byte, error) {
	t, err := codec.Peek(data)
	if err != nil {
		return nil, err
	}

	if t != codec.TypeSnapshot {
		return nil, errors.Newf("unexpected request %s", t)
	}

	return n.syncer.HandleRequest(from, data)
}
