// Package integration runs multi-process Stratum clusters over real QUIC.
package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Stratum/client"
	"Stratum/internal/config"
	"Stratum/internal/crypto"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running Stratum node process.
type Node struct {
	index      int             // index is the node's position in the cluster
	id         crypto.Identity // id is the node identity
	cmd        *exec.Cmd       // cmd is the running process
	done       chan struct{}   // done closes when the process exits
	httpAddr   string          // httpAddr is the HTTP API address
	configPath string          // configPath is the node's config file
	stdout     *safeBuffer     // stdout captures process output
	stderr     *safeBuffer     // stderr captures process errors
}

// ID returns the node identity.
func (n *Node) ID() string { return string(n.id) }

// Client returns an API client for the node.
func (n *Node) Client() *client.Client { return client.New(n.httpAddr) }

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	select {
	case <-n.done:
		return false
	default:
	}

	return strings.Contains(n.stdout.String(), "starting stratum node")
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// Stop interrupts the node and waits for a clean exit.
func (n *Node) Stop() {
	if n.cmd == nil || n.cmd.Process == nil {
		return
	}

	_ = n.cmd.Process.Signal(os.Interrupt)

	select {
	case <-n.done:
	case <-time.After(10 * time.Second):
		_ = n.cmd.Process.Kill()
		<-n.done
	}
}

// Cluster manages a group of node processes sharing one config.
type Cluster struct {
	t          *testing.T // t is the test context
	nodes      []*Node    // nodes is the list of nodes
	binaryPath string     // binaryPath is the compiled node binary
}

// NewCluster builds the binary, starts size nodes forming one group that
// owns the whole namespace and registers cleanup.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c := &Cluster{t: t, binaryPath: buildBinary(t)}
	testDir := t.TempDir()

	keys := make([]ed25519.PrivateKey, size)
	peers := make([]config.Peer, size)
	members := make([]string, size)

	c.nodes = make([]*Node, size)

	for i := range size {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}

		keys[i] = priv
		peers[i] = peerFor(t, priv, freeUDPAddr(t))
		members[i] = peers[i].Name

		c.nodes[i] = &Node{
			index:    i,
			id:       crypto.Identity(peers[i].Name),
			httpAddr: freeTCPAddr(t),
		}
	}

	for i, n := range c.nodes {
		dir := filepath.Join(testDir, fmt.Sprintf("node-%d", i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("create node dir %d: %v", i, err)
		}

		keyPath := filepath.Join(dir, "key")
		if err := os.WriteFile(keyPath, keys[i], 0o600); err != nil {
			t.Fatal(err)
		}

		cfg := config.Default()
		cfg.KeyPath = keyPath
		cfg.DataDir = filepath.Join(dir, "data")
		cfg.Listen = peers[i].Address
		cfg.HTTP = n.httpAddr
		cfg.LogLevel = "debug"
		cfg.Group = "root"
		cfg.Peers = peers
		cfg.Groups = []config.Group{{ID: "root", Scope: "/", Members: members}}
		cfg.ReconcileInterval = config.Duration(time.Second)

		n.configPath = filepath.Join(dir, "config.yaml")
		if err := cfg.Write(n.configPath); err != nil {
			t.Fatal(err)
		}
	}

	for i := range c.nodes {
		c.Start(i)
	}

	t.Cleanup(c.StopAll)

	for i, n := range c.nodes {
		c.waitFor(fmt.Sprintf("node %d healthy", i), func() bool {
			return n.IsRunning() && n.Client().Health(context.Background()) == nil
		})
	}

	c.waitFor("full mesh", func() bool {
		for _, n := range c.nodes {
			st, err := n.Client().Status(context.Background())
			if err != nil || len(st.Peers) < size-1 {
				return false
			}
		}

		return true
	})

	return c
}

// Node returns the node at index i.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Start launches node i from its config file.
func (c *Cluster) Start(i int) {
	c.t.Helper()

	n := c.nodes[i]
	n.stdout = &safeBuffer{}
	n.stderr = &safeBuffer{}
	n.done = make(chan struct{})

	n.cmd = exec.Command(c.binaryPath, "run", "--config", n.configPath)
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr

	if err := n.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", i, err)
	}

	go func() {
		_ = n.cmd.Wait()
		close(n.done)
	}()
}

// StopAll stops every node and dumps the logs of failed tests.
func (c *Cluster) StopAll() {
	for _, n := range c.nodes {
		n.Stop()
	}

	if c.t.Failed() {
		for _, n := range c.nodes {
			c.t.Logf("node %d stdout:\n%s\nstderr:\n%s", n.index, n.stdout.String(), n.stderr.String())
		}
	}
}

// waitFor polls cond until it holds or 30 seconds pass.
func (c *Cluster) waitFor(what string, cond func() bool) {
	c.t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.t.Fatalf("timeout waiting for %s", what)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// peerFor builds the config entry for priv listening on addr.
func peerFor(t *testing.T, priv ed25519.PrivateKey, addr string) config.Peer {
	t.Helper()

	pub := priv.Public().(ed25519.PublicKey)

	bls, err := crypto.DeriveBLS(priv)
	if err != nil {
		t.Fatal(err)
	}

	return config.Peer{
		Name:    string(crypto.DefaultIdentity(pub)),
		Address: addr,
		Ed25519: hex.EncodeToString(pub),
		BLS:     hex.EncodeToString(bls.PublicKey()),
	}
}

// freeTCPAddr returns a loopback address with a currently unused TCP port.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr returns a loopback address with a currently unused UDP port.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	return pc.LocalAddr().String()
}

// buildBinary compiles cmd/node into a temporary file.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "stratum_node")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot walks up from the working directory to the go.mod.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for range 5 {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
