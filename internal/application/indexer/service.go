package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nweb-io/indexer/internal/domain/bundles"
	"github.com/nweb-io/indexer/internal/domain/checkpoint"
	"github.com/nweb-io/indexer/internal/domain/ledger"
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

// Metrics receives pipeline measurements. Implementations must be safe for
// use from the scan loop; the default is a no-op.
type Metrics interface {
	WindowScanned(events int)
	SubmissionFinished(status submissions.Status, seconds float64)
	CheckpointAdvanced(block uint64)
}

type noopMetrics struct{}

func (noopMetrics) WindowScanned(int)                              {}
func (noopMetrics) SubmissionFinished(submissions.Status, float64) {}
func (noopMetrics) CheckpointAdvanced(uint64)                      {}

// Options carries the loop tunables, all externally supplied.
type Options struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	Window       uint64
	// Backfill bounds how far behind head a fresh deployment starts when
	// no checkpoint exists.
	Backfill uint64
}

// Service is the ingestion orchestrator: it drives the scan loop, applies
// the deduplication policy, walks each submission through its status state
// machine and commits results through the store.
type Service struct {
	ledger      ledger.Client
	scanner     *Scanner
	fetcher     BundleFetcher
	store       submissions.Store
	checkpoints checkpoint.Store
	observers   []submissions.Observer
	clock       Clock
	metrics     Metrics
	opts        Options
	log         *zap.Logger

	// processed is the in-memory deduplication set, reloaded from the
	// store at startup. Guarded by mu; the scan loop is the only writer.
	mu        sync.Mutex
	processed map[submissions.UID]struct{}
	state     checkpoint.State
}

func New(lc ledger.Client, fetcher BundleFetcher, store submissions.Store, cps checkpoint.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:      lc,
		scanner:     NewScanner(lc, opts.Window, log.Named("scanner")),
		fetcher:     fetcher,
		store:       store,
		checkpoints: cps,
		clock:       SystemClock{},
		metrics:     noopMetrics{},
		opts:        opts,
		log:         log,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(c Clock) *Service { s.clock = c; return s }

// WithMetrics installs a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service { s.metrics = m; return s }

// Register appends a terminal-transition observer. Observers run in
// registration order.
func (s *Service) Register(obs submissions.Observer) { s.observers = append(s.observers, obs) }

// Init reloads the durable deduplication set and checkpoint. Must be
// called once before Run.
func (s *Service) Init(ctx context.Context) error {
	uids, err := s.store.ProcessedUIDs(ctx)
	if err != nil {
		return err
	}
	st, err := s.checkpoints.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.processed = uids
	s.state = *st
	s.mu.Unlock()
	s.log.Info("orchestrator initialized",
		zap.Int("known_uids", len(uids)),
		zap.Uint64("checkpoint_block", st.LastBlock))
	return nil
}

// Run drives the cooperative scan loop until ctx is canceled. Transient
// retrieval failures are logged and retried after the configured delay;
// they never terminate the loop.
func (s *Service) Run(ctx context.Context) error {
	from, err := s.startBlock(ctx)
	if err != nil {
		return err
	}
	s.log.Info("scan loop starting", zap.Uint64("from_block", from))

	for {
		if err := sleepCtx(ctx, 0); err != nil {
			return err
		}

		head, err := s.ledger.Head(ctx)
		if err != nil {
			s.log.Warn("head query failed", zap.Error(err))
			if err := sleepCtx(ctx, s.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		if from <= head {
			events, next, err := s.scanner.Scan(ctx, from, head)
			if err != nil {
				s.log.Warn("scan failed",
					zap.Uint64("from", from), zap.Error(err))
				if err := sleepCtx(ctx, s.opts.RetryDelay); err != nil {
					return err
				}
				continue
			}
			s.metrics.WindowScanned(len(events))

			committed := true
			for _, ev := range events {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if !s.handle(ctx, ev) {
					committed = false
				}
			}

			// A window is re-scanned until every event in it has durably
			// committed; redelivery is idempotent, so only the uncommitted
			// ones get reprocessed.
			if committed {
				from = next
				if err := s.advanceCheckpoint(ctx, next-1); err != nil {
					s.log.Error("checkpoint save failed", zap.Error(err))
				}
			} else {
				s.log.Warn("window has uncommitted submissions, rescanning",
					zap.Uint64("from", from))
			}
		}

		if err := sleepCtx(ctx, s.opts.PollInterval); err != nil {
			return err
		}
	}
}

// startBlock resumes after the checkpoint, or starts a bounded backfill
// behind head on a fresh deployment.
func (s *Service) startBlock(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	last := s.state.LastBlock
	s.mu.Unlock()
	if last > 0 {
		return last + 1, nil
	}
	head, err := s.ledger.Head(ctx)
	if err != nil {
		return 0, err
	}
	if head > s.opts.Backfill {
		return head - s.opts.Backfill, nil
	}
	return 0, nil
}

// handle walks one event through the submission state machine. Bad
// submissions land as failed rows rather than aborting the loop; the
// return value reports whether the event reached a durable state, so the
// caller can hold the window open when a commit did not stick.
func (s *Service) handle(ctx context.Context, ev ledger.AttestationEvent) bool {
	uid := submissions.UID(ev.UID)
	if s.alreadyProcessed(uid) {
		s.log.Debug("submission already processed", zap.String("uid", ev.UID))
		return true
	}

	sub, err := s.resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ledger.ErrSchemaMismatch) || errors.Is(err, ledger.ErrRevoked) {
			s.log.Debug("event ignored", zap.String("uid", ev.UID), zap.Error(err))
			return true
		}
		// The event was observed; record the failure so it is never
		// silently dropped behind an advancing checkpoint.
		s.log.Error("attestation resolve failed", zap.String("uid", ev.UID), zap.Error(err))
		return s.failUnresolved(ctx, ev, err)
	}

	log := s.log.With(zap.String("uid", string(sub.UID)), zap.String("submitter", sub.Submitter))
	log.Info("processing submission")
	started := s.clock.Now()

	// Make the in-flight state durably visible before fetching, so a
	// crash mid-fetch leaves a resumable processing row rather than
	// silence.
	sub.Status = submissions.StatusProcessing
	if err := s.store.Save(ctx, sub); err != nil {
		log.Error("save processing row failed", zap.Error(err))
		return false
	}

	var bundle *bundles.Bundle
	if sub.CID == "" {
		sub.Status = submissions.StatusFailed
		sub.ErrorMessage = bundles.ReasonNoContentAddress
		log.Warn("submission has no content address")
	} else {
		bundle, err = s.fetcher.Fetch(ctx, sub.CID)
		if err != nil {
			sub.Status = submissions.StatusFailed
			sub.ErrorMessage = err.Error()
			log.Error("bundle processing failed",
				zap.String("cid", sub.CID),
				zap.String("reason", bundles.Reason(err)))
		} else {
			now := s.clock.Now()
			sub.Status = submissions.StatusCompleted
			sub.ManifestSHA256 = bundle.ManifestSHA256
			sub.ProcessedAt = &now
			log.Info("bundle processed", zap.Int("record_count", len(bundle.Records)))
		}
	}

	var records []submissions.ScanRecord
	if bundle != nil {
		records = bundle.Records
	}
	if err := s.store.Commit(ctx, sub, records); err != nil {
		// Not marked processed: redelivery will reprocess idempotently.
		log.Error("commit failed", zap.Error(err))
		return false
	}

	s.markProcessed(sub)
	s.metrics.SubmissionFinished(sub.Status, s.clock.Now().Sub(started).Seconds())
	s.notify(ctx, sub, bundle)
	return true
}

// resolve retries transient RPC failures up to the configured attempt
// count before giving up; schema mismatch and revocation surface
// immediately. No backoff after the final attempt.
func (s *Service) resolve(ctx context.Context, ev ledger.AttestationEvent) (*submissions.Submission, error) {
	attempts := s.opts.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sub, err := s.ledger.ResolveSubmission(ctx, ev)
		if err == nil {
			return sub, nil
		}
		if errors.Is(err, ledger.ErrSchemaMismatch) || errors.Is(err, ledger.ErrRevoked) {
			return nil, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		if err := sleepCtx(ctx, s.opts.RetryDelay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// failUnresolved persists a terminal failed row for an event whose
// attestation could not be resolved or decoded.
func (s *Service) failUnresolved(ctx context.Context, ev ledger.AttestationEvent, cause error) bool {
	sub := &submissions.Submission{
		UID:          submissions.UID(ev.UID),
		Submitter:    ev.Attester,
		Block:        ev.Block,
		Status:       submissions.StatusFailed,
		ErrorMessage: cause.Error(),
	}
	if err := s.store.Commit(ctx, sub, nil); err != nil {
		s.log.Error("commit unresolved failure", zap.String("uid", ev.UID), zap.Error(err))
		return false
	}
	s.markProcessed(sub)
	s.metrics.SubmissionFinished(sub.Status, 0)
	s.notify(ctx, sub, nil)
	return true
}

func (s *Service) alreadyProcessed(uid submissions.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[uid]
	return ok
}

// markProcessed records the terminal outcome in the dedup set and counters.
// Runs only after persistence succeeded: a crash before this point causes
// at most a redundant idempotent reprocess, never a silent loss.
func (s *Service) markProcessed(sub *submissions.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed == nil {
		s.processed = make(map[submissions.UID]struct{})
	}
	s.processed[sub.UID] = struct{}{}
	s.state.LastUID = string(sub.UID)
	s.state.ProcessedCount++
	if sub.Status == submissions.StatusFailed {
		s.state.ErrorCount++
	}
}

// advanceCheckpoint persists the cursor after the window's submissions have
// durably committed. The position never decreases.
func (s *Service) advanceCheckpoint(ctx context.Context, block uint64) error {
	s.mu.Lock()
	if block > s.state.LastBlock {
		s.state.LastBlock = block
	}
	s.state.UpdatedAt = s.clock.Now()
	st := s.state
	s.mu.Unlock()

	if err := s.checkpoints.Advance(ctx, &st); err != nil {
		return err
	}
	s.metrics.CheckpointAdvanced(st.LastBlock)
	return nil
}

// notify runs every observer independently; one observer's failure is
// logged and isolated from the others.
func (s *Service) notify(ctx context.Context, sub *submissions.Submission, bundle *bundles.Bundle) {
	var artifacts map[string][]byte
	if bundle != nil {
		artifacts = bundle.Artifacts
	}
	for _, obs := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("observer panicked",
						zap.String("observer", obs.Name()),
						zap.Any("panic", r))
				}
			}()
			if err := obs.Notify(ctx, sub, artifacts); err != nil {
				s.log.Error("observer failed",
					zap.String("observer", obs.Name()),
					zap.Error(err))
			}
		}()
	}
}

// Stats reflects the latest durably committed state.
func (s *Service) Stats(ctx context.Context) (*submissions.Stats, error) {
	return s.store.Stats(ctx)
}

// sleepCtx sleeps d unless the shutdown signal fires first. A zero d is a
// pure cancellation check between work items.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
