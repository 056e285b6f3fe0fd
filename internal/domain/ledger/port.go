package ledger

import (
	"context"
	"errors"

	"github.com/nweb-io/indexer/internal/domain/submissions"
)

// ErrRangeUnavailable marks a block window the node cannot serve right now.
// The scanner treats it as "no events this round", never as a loop failure.
var ErrRangeUnavailable = errors.New("block range not available")

// ErrSchemaMismatch marks an attestation under a schema this indexer does
// not ingest. Valid chain data, ignored.
var ErrSchemaMismatch = errors.New("attestation schema mismatch")

// ErrRevoked marks a revoked attestation; observed but never indexed.
var ErrRevoked = errors.New("attestation revoked")

// Client port over the ledger RPC node.
type Client interface {
	// Head returns the current confirmed chain head.
	Head(ctx context.Context) (uint64, error)

	// QueryRange returns attestation events with block in [from, to] via a
	// direct log range query. This path is the source of truth.
	QueryRange(ctx context.Context, from, to uint64) ([]AttestationEvent, error)

	// SubscribedInRange drains events buffered by the push subscription
	// whose block falls in [from, to]. A latency optimization only: the
	// push path may silently miss events across reconnects.
	SubscribedInRange(from, to uint64) []AttestationEvent

	// ResolveSubmission resolves the event's attestation and decodes its
	// payload into a pending Submission. Returns ErrSchemaMismatch or
	// ErrRevoked for events outside this indexer's concern.
	ResolveSubmission(ctx context.Context, ev AttestationEvent) (*submissions.Submission, error)
}
