package lease

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"Stratum/internal/domain"
)

var (
	// ErrLeaseConflict is returned when an active lease already covers the exact domain.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrLeaseExpired is returned when a lease's expiry has passed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrLeaseFenced is returned when a lease has been fenced.
	ErrLeaseFenced = errors.New("lease fenced")

	// ErrAlreadyFenced is returned when renewing a fenced lease.
	ErrAlreadyFenced = ErrLeaseFenced

	// ErrLeaseSuperseded is returned when a newer lease replaced the one presented.
	ErrLeaseSuperseded = errors.New("lease superseded")

	// ErrLeaseNotFound is returned for an unknown lease id or an uncovered domain.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseNotYetValid is returned when a lease's start lies in the future.
	ErrLeaseNotYetValid = errors.New("lease not yet valid")

	// ErrNotHolder is returned when someone other than the holder acts on a lease.
	ErrNotHolder = errors.New("not lease holder")

	// ErrInvalidSignature is returned when a record, certificate or approval fails verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnauthorizedFence is returned when the fencing party lacks authority over the domain.
	ErrUnauthorizedFence = errors.New("unauthorized fence")

	// ErrUnauthorized is returned when a grant outside the local scope has no delegation or consensus path.
	ErrUnauthorized = errors.New("unauthorized grant")

	// ErrInvalidDelegation is returned when an approval chain does not verify.
	ErrInvalidDelegation = errors.New("invalid delegation")

	// ErrDurationOutOfBounds is returned for a requested duration outside the configured bounds.
	ErrDurationOutOfBounds = errors.New("lease duration out of bounds")

	// ErrPartitionDegraded is returned when too few replicas are reachable to accept writes.
	ErrPartitionDegraded = errors.New("partition degraded")

	// ErrUnavailable is returned when a network dependency cannot be reached in time.
	ErrUnavailable = errors.New("unavailable")
)

// ConflictError reports the lease that blocked a grant.
type ConflictError struct {
	Domain   domain.Domain // Domain is the contested domain
	Existing LeaseID       // Existing is the lease holding it
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lease conflict on %s: held by %s", e.Domain, e.Existing)
}

// Unwrap lets errors.Is match ErrLeaseConflict.
func (e *ConflictError) Unwrap() error {
	return ErrLeaseConflict
}

func conflict(d domain.Domain, existing LeaseID) error {
	return &ConflictError{Domain: d, Existing: existing}
}
