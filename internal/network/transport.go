// Package network floods frames between nodes. Node runs over QUIC; Hub is
// an in-process mesh with partition control for tests and simulations.
// Delivery is at-least-once and may reorder.
package network

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrUnreachable is returned when a request target is not connected.
var ErrUnreachable = errors.New("peer unreachable")

// MessageHandler receives a flooded frame and the id of the peer it came from.
type MessageHandler func(from string, data []byte)

// RequestHandler answers a direct request.
type RequestHandler func(from string, data []byte) ([]byte, error)

// Transport floods frames to every reachable node and answers direct
// requests.
type Transport interface {
	// ID is this node's transport identity.
	ID() string

	// Flood sends data to every reachable node. Each node delivers a frame once.
	Flood(data []byte) error

	// Request sends data to one peer and waits for its answer.
	Request(ctx context.Context, to string, data []byte) ([]byte, error)

	// Peers lists the currently reachable peer ids.
	Peers() []string

	OnMessage(fn MessageHandler)
	OnRequest(fn RequestHandler)
}

// handlers holds the callbacks shared by Node and endpoints.
type handlers struct {
	onMessage MessageHandler
	onRequest RequestHandler
}
