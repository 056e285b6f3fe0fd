package submissions

import "context"

// Store port (persistence coordinator).
type Store interface {
	// Save upserts the submission row by UID without touching its records.
	// Used to make the processing state durably visible before the fetch.
	Save(ctx context.Context, s *Submission) error

	// Commit atomically upserts the submission and replaces its record set.
	// Re-ingesting the same UID overwrites, never duplicates.
	Commit(ctx context.Context, s *Submission, records []ScanRecord) error

	// ProcessedUIDs returns the UIDs already in a terminal status; it seeds
	// the in-memory deduplication set at startup.
	ProcessedUIDs(ctx context.Context) (map[UID]struct{}, error)

	Stats(ctx context.Context) (*Stats, error)
}

// Observer is notified after each terminal state transition. Observers run
// synchronously in registration order; a failing observer is logged and
// isolated from the others and from the pipeline.
type Observer interface {
	Name() string
	// Notify receives the terminal submission and, for completed ones, the
	// auxiliary artifact bytes fetched alongside the record stream.
	Notify(ctx context.Context, s *Submission, artifacts map[string][]byte) error
}
