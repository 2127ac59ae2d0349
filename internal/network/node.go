package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"

	"Stratum/internal/crypto"
	"Stratum/internal/logger"
	"Stratum/internal/metrics"
)

const (
	// defaultReconnectDelay is the first delay before redialling a lost peer.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the reconnection backoff.
	maxReconnectDelay = time.Minute

	// alpnProtocol is the ALPN identifier.
	alpnProtocol = "stratum/1"
)

// Config holds the settings for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey authenticates the node to peers
	ListenAddr     string             // ListenAddr is the UDP address to listen on, e.g. ":7400"
	ReconnectDelay time.Duration      // ReconnectDelay is the first redial delay
	DedupSize      int                // DedupSize is the number of remembered frame hashes
	DedupTTL       time.Duration      // DedupTTL is how long a frame hash is remembered
	Metrics        *metrics.Metrics   // Metrics counts floods and duplicates; may be nil
}

// Node is a QUIC flood node. A frame seen for the first time is delivered
// to the message handler and re-flooded to every other peer.
type Node struct {
	id         string
	privateKey ed25519.PrivateKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	log        *slog.Logger

	listener *quic.Listener

	peersMu sync.RWMutex
	peers   map[string]*Peer // peers maps identity to connection

	addrsMu sync.RWMutex
	addrs   map[string]string // addrs maps identity to the last dial address

	reconnectDelay time.Duration
	dedup          *Dedup
	metrics        *metrics.Metrics

	handlersMu   sync.RWMutex
	handlers     handlers
	onConnect    func(*Peer)
	onDisconnect func(*Peer)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node. Start must be called before it accepts peers.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("network: private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("network: listen address is required")
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "network: certificate")
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // peers are authenticated by their ed25519 key
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	id := string(crypto.DefaultIdentity(cfg.PrivateKey.Public().(ed25519.PublicKey)))
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		id:             id,
		privateKey:     cfg.PrivateKey,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		log:            logger.Component("network").With("node", id),
		peers:          make(map[string]*Peer),
		addrs:          make(map[string]string),
		reconnectDelay: delay,
		dedup:          NewDedup(cfg.DedupSize, cfg.DedupTTL),
		metrics:        cfg.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// ID returns the node identity derived from its public key.
func (n *Node) ID() string {
	return n.id
}

// Addr returns the listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start listens and accepts connections in the background.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", n.listenAddr)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	n.log.Info("listening", "addr", n.Addr())

	return nil
}

// Connect dials a remote node.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		_ = conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Flood sends data to every connected peer. The frame is marked seen so
// echoes are not delivered back to this node.
func (n *Node) Flood(data []byte) error {
	n.dedup.Check(data)
	n.metrics.Flooded()

	return n.sendAll(data, "")
}

// Request sends data to the peer with identity to and waits for its answer.
func (n *Node) Request(ctx context.Context, to string, data []byte) ([]byte, error) {
	n.peersMu.RLock()
	p, ok := n.peers[to]
	n.peersMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnreachable, "%s", to)
	}

	return p.Request(ctx, data)
}

// Peers returns the identities of connected peers, sorted.
func (n *Node) Peers() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Peer returns the connection to id, or nil.
func (n *Node) Peer(id string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnMessage sets the handler for first-seen flooded frames.
func (n *Node) OnMessage(fn MessageHandler) {
	n.handlersMu.Lock()
	n.handlers.onMessage = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for direct requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.handlers.onRequest = fn
	n.handlersMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes every connection.
func (n *Node) Close() error {
	n.cancel()

	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		_ = p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return err
}

// receive handles a frame from p: deliver and re-flood on first sight.
func (n *Node) receive(p *Peer, data []byte) {
	if !n.dedup.Check(data) {
		n.metrics.Duplicate()
		return
	}

	n.metrics.Flooded()

	if err := n.sendAll(data, p.id); err != nil {
		n.log.Debug("re-flood incomplete", "error", err)
	}

	n.handlersMu.RLock()
	fn := n.handlers.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p.id, data)
	}
}

// sendAll sends data to every peer except skip and returns the combined
// send errors.
func (n *Node) sendAll(data []byte, skip string) error {
	n.peersMu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for id, p := range n.peers {
		if id != skip {
			peers = append(peers, p)
		}
	}
	n.peersMu.RUnlock()

	var errs error

	for _, p := range peers {
		if err := p.Send(data); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "send to %s", p.id))
		}
	}

	return errs
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		n.log.Debug("reject connection", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pub, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, errors.Wrap(err, "peer key")
	}

	peer := &Peer{
		id:        string(crypto.DefaultIdentity(pub)),
		publicKey: pub,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	if peer.id == n.id {
		return nil, errors.New("connection to self")
	}

	n.peersMu.Lock()
	if prev, ok := n.peers[peer.id]; ok {
		_ = prev.Close()
	}
	n.peers[peer.id] = peer
	n.peersMu.Unlock()

	n.addrsMu.Lock()
	n.addrs[peer.id] = addr
	n.addrsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	n.log.Debug("peer connected", "peer", peer.id, "addr", addr)

	return peer, nil
}

func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if cur, ok := n.peers[p.id]; ok && cur == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnect(p.id)
	}()
}

// reconnect redials id with exponential backoff until it is connected again
// or the node closes.
func (n *Node) reconnect(id string) {
	delay := n.reconnectDelay

	for {
		t := time.NewTimer(delay)

		select {
		case <-n.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		n.addrsMu.RLock()
		addr, ok := n.addrs[id]
		n.addrsMu.RUnlock()

		if !ok || n.Peer(id) != nil {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		n.log.Debug("reconnect failed", "peer", id, "delay", delay, "error", err)

		delay = min(delay*2, maxReconnectDelay)
	}
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnRequest(from string, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.handlers.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, errors.New("no request handler registered")
	}

	return fn(from, data)
}
