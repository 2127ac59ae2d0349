package network

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"
)

// defaultRequestTimeout bounds a request without a context deadline.
const defaultRequestTimeout = 10 * time.Second

// Peer is a QUIC connection to a remote node.
type Peer struct {
	id        string            // id is the identity derived from the remote key
	publicKey ed25519.PublicKey // publicKey is the remote ed25519 key
	address   string            // address is the dial address, kept for reconnection
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
	mu        sync.Mutex // mu serialises stream opens
}

// ID returns the remote identity.
func (p *Peer) ID() string {
	return p.id
}

// PublicKey returns the remote ed25519 key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes one frame on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return errors.Wrapf(ErrUnreachable, "peer %s closed", p.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
	if err != nil {
		return errors.Wrap(err, "open stream")
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Request writes data on a bidirectional stream and reads one answer.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, errors.Wrapf(ErrUnreachable, "peer %s closed", p.id)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}

	if err := stream.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	if err := writeFrame(stream, data); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	resp, err := readFrame(stream)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	return resp, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts streams until the connection ends.
func (p *Peer) receiveLoop() {
	go p.acceptRequests()

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			p.node.log.Debug("receive loop ended", "peer", p.id, "error", err)
			break
		}

		go p.handleFrame(stream)
	}

	p.handleDisconnect()
}

func (p *Peer) acceptRequests() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		go p.handleRequest(stream)
	}
}

func (p *Peer) handleRequest(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	resp, err := p.node.callOnRequest(p.id, data)
	if err != nil {
		p.node.log.Debug("request failed", "peer", p.id, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeFrame(stream, resp); err != nil {
		p.node.log.Debug("write response", "peer", p.id, "error", err)
	}
}

func (p *Peer) handleFrame(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		p.node.log.Debug("stream read error", "peer", p.id, "error", err)
		return
	}

	p.node.receive(p, data)
}

func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
