package lease

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"Stratum/internal/domain"
)

// Appender is the storage write path behind the gate.
type Appender interface {
	// Append stores op for d and returns its sequence number.
	Append(ctx context.Context, d string, op []byte) (uint64, error)
}

// Reader is the storage read path.
type Reader interface {
	// Read returns every op stored for d in order.
	Read(ctx context.Context, d string) ([][]byte, error)
}

// Liveness reports whether enough replicas are reachable to accept
// writes on a domain.
type Liveness interface {
	WritesAvailable(d domain.Domain) bool
}

// Gate admits writes only under a valid lease. Reads pass through untouched.
type Gate struct {
	leases  *Manager
	app     Appender
	rd      Reader
	live    Liveness      // live may be nil, in which case writes are always available
	timeout time.Duration // timeout bounds each storage call
}

// NewGate creates a gate in front of app and rd.
func NewGate(leases *Manager, app Appender, rd Reader, live Liveness, timeout time.Duration) *Gate {
	return &Gate{leases: leases, app: app, rd: rd, live: live, timeout: timeout}
}

// Write checks the lease and appends op. Lease errors fail fast without
// touching storage.
func (g *Gate) Write(ctx context.Context, d domain.Domain, id LeaseID, op []byte) (uint64, error) {
	if err := g.leases.CheckWrite(d, id); err != nil {
		g.leases.metrics.WriteRejected(rejectReason(err))
		return 0, err
	}

	if g.live != nil && !g.live.WritesAvailable(d) {
		g.leases.metrics.WriteRejected("degraded")
		return 0, errors.Wrapf(ErrPartitionDegraded, "write to %s", d)
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	seq, err := g.app.Append(ctx, string(d), op)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, errors.Wrapf(ErrUnavailable, "append to %s", d)
		}

		return 0, errors.Wrapf(err, "append to %s", d)
	}

	return seq, nil
}

// Read returns the ops stored for d. It never consults lease state.
func (g *Gate) Read(ctx context.Context, d domain.Domain) ([][]byte, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	return g.rd.Read(ctx, string(d))
}

func (g *Gate) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, g.timeout)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrLeaseFenced):
		return "fenced"
	case errors.Is(err, ErrLeaseExpired):
		return "expired"
	case errors.Is(err, ErrLeaseSuperseded):
		return "superseded"
	case errors.Is(err, ErrLeaseNotYetValid):
		return "not_yet_valid"
	default:
		return "not_found"
	}
}
