package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nweb-io/indexer/internal/domain/bundles"
	"github.com/nweb-io/indexer/internal/domain/checkpoint"
	"github.com/nweb-io/indexer/internal/domain/ledger"
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

type fakeStore struct {
	saved     []*submissions.Submission
	committed map[submissions.UID]*submissions.Submission
	records   map[submissions.UID][]submissions.ScanRecord
	terminal  map[submissions.UID]struct{}
	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		committed: make(map[submissions.UID]*submissions.Submission),
		records:   make(map[submissions.UID][]submissions.ScanRecord),
		terminal:  make(map[submissions.UID]struct{}),
	}
}

func (f *fakeStore) Save(_ context.Context, s *submissions.Submission) error {
	cp := *s
	f.saved = append(f.saved, &cp)
	return nil
}

func (f *fakeStore) Commit(_ context.Context, s *submissions.Submission, records []submissions.ScanRecord) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	cp := *s
	f.committed[s.UID] = &cp
	f.records[s.UID] = records
	return nil
}

func (f *fakeStore) ProcessedUIDs(context.Context) (map[submissions.UID]struct{}, error) {
	out := make(map[submissions.UID]struct{}, len(f.terminal))
	for uid := range f.terminal {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) Stats(context.Context) (*submissions.Stats, error) {
	return &submissions.Stats{}, nil
}

type fakeCheckpoints struct {
	state    checkpoint.State
	advances []checkpoint.State
}

func (f *fakeCheckpoints) Load(context.Context) (*checkpoint.State, error) {
	st := f.state
	return &st, nil
}

func (f *fakeCheckpoints) Advance(_ context.Context, st *checkpoint.State) error {
	f.state = *st
	f.advances = append(f.advances, *st)
	return nil
}

// fakeFetcher returns a canned bundle or error per CID.
type fakeFetcher struct {
	bundles map[string]*bundles.Bundle
	errs    map[string]error
	calls   map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, cid string) (*bundles.Bundle, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[cid]++
	if err := f.errs[cid]; err != nil {
		return nil, err
	}
	if b, ok := f.bundles[cid]; ok {
		return b, nil
	}
	return nil, bundles.Fatal(bundles.ReasonNotBundle, errors.New("unknown cid"))
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

type recordingObserver struct {
	name     string
	notified []*submissions.Submission
	panics   bool
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) Notify(_ context.Context, s *submissions.Submission, _ map[string][]byte) error {
	if o.panics {
		panic("observer bug")
	}
	o.notified = append(o.notified, s)
	return nil
}

type fixture struct {
	ledger *fakeLedger
	store  *fakeStore
	cps    *fakeCheckpoints
	fetch  *fakeFetcher
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: &fakeLedger{
			resolved:   make(map[string]*submissions.Submission),
			resolveErr: make(map[string]error),
		},
		store: newFakeStore(),
		cps:   &fakeCheckpoints{},
		fetch: &fakeFetcher{
			bundles: make(map[string]*bundles.Bundle),
			errs:    make(map[string]error),
		},
	}
	f.svc = New(f.ledger, f.fetch, f.store, f.cps, Options{Window: 100}, nil).
		WithClock(&fakeClock{t: time.Unix(1_700_000_000, 0)})
	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func pendingSubmission(uid, cid string) *submissions.Submission {
	return &submissions.Submission{
		UID:       submissions.UID(uid),
		Submitter: "0xattester",
		CID:       cid,
		Status:    submissions.StatusPending,
		Block:     42,
	}
}

func goodBundle(n int) *bundles.Bundle {
	b := &bundles.Bundle{ManifestSHA256: "abc123"}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, submissions.ScanRecord{
			IP: "10.0.0.1", Port: 80 + i, Protocol: "tcp", State: "open",
		})
	}
	return b
}

func TestHandleCompletesSubmission(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x01"] = pendingSubmission("0x01", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(3)

	f.svc.handle(context.Background(), ev("0x01", 42))

	got := f.store.committed["0x01"]
	if got == nil {
		t.Fatal("submission never committed")
	}
	if got.Status != submissions.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ManifestSHA256 != "abc123" {
		t.Errorf("manifest digest = %q", got.ManifestSHA256)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at must be set on completion")
	}
	if len(f.store.records["0x01"]) != 3 {
		t.Errorf("got %d records, want 3", len(f.store.records["0x01"]))
	}

	// The in-flight state was made durable before the fetch.
	if len(f.store.saved) != 1 || f.store.saved[0].Status != submissions.StatusProcessing {
		t.Errorf("expected one durable processing save, got %+v", f.store.saved)
	}
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x01"] = pendingSubmission("0x01", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)

	f.svc.handle(context.Background(), ev("0x01", 42))
	f.svc.handle(context.Background(), ev("0x01", 42))

	if f.fetch.calls["bafyone"] != 1 {
		t.Errorf("bundle fetched %d times, want 1", f.fetch.calls["bafyone"])
	}
}

func TestHandleDedupSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.store.terminal["0x01"] = struct{}{}
	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.ledger.resolved["0x01"] = pendingSubmission("0x01", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)

	f.svc.handle(context.Background(), ev("0x01", 42))

	if f.fetch.calls["bafyone"] != 0 {
		t.Error("terminal submission must not be reprocessed after restart")
	}
}

func TestHandleEmptyCID(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x02"] = pendingSubmission("0x02", "")

	f.svc.handle(context.Background(), ev("0x02", 42))

	got := f.store.committed["0x02"]
	if got == nil || got.Status != submissions.StatusFailed {
		t.Fatalf("want failed terminal row, got %+v", got)
	}
	if got.ErrorMessage != bundles.ReasonNoContentAddress {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestHandleFetchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x03"] = pendingSubmission("0x03", "bafybad")
	f.fetch.errs["bafybad"] = bundles.Fatal(bundles.ReasonIntegrity,
		errors.New("expected 0xaa, got 0xbb"))

	f.svc.handle(context.Background(), ev("0x03", 42))

	got := f.store.committed["0x03"]
	if got == nil || got.Status != submissions.StatusFailed {
		t.Fatalf("want failed terminal row, got %+v", got)
	}
	if got.ErrorMessage == "" {
		t.Error("failure cause must be recorded")
	}
	if len(f.store.records["0x03"]) != 0 {
		t.Error("no records may be committed for a failed submission")
	}
	// Failed is terminal: redelivery must not refetch.
	f.svc.handle(context.Background(), ev("0x03", 42))
	if f.fetch.calls["bafybad"] != 1 {
		t.Errorf("fetched %d times, want 1", f.fetch.calls["bafybad"])
	}
}

func TestHandleSchemaMismatchSkipped(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolveErr["0x04"] = ledger.ErrSchemaMismatch

	if !f.svc.handle(context.Background(), ev("0x04", 42)) {
		t.Error("a foreign-schema event is handled, not held")
	}
	if len(f.store.committed) != 0 || len(f.store.saved) != 0 {
		t.Error("foreign-schema events must leave no rows")
	}
}

func TestHandleRevokedSkipped(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolveErr["0x05"] = ledger.ErrRevoked

	f.svc.handle(context.Background(), ev("0x05", 42))

	if len(f.store.committed) != 0 {
		t.Error("revoked attestations must not be indexed")
	}
}

func TestHandleUnresolvableRecordsFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolveErr["0x06"] = errors.New("execution reverted")

	f.svc.handle(context.Background(), ev("0x06", 42))

	got := f.store.committed["0x06"]
	if got == nil || got.Status != submissions.StatusFailed {
		t.Fatalf("unresolvable event must leave a failed row, got %+v", got)
	}
	if got.Block != 42 || got.Submitter != "0xattester" {
		t.Errorf("skeleton row must carry event fields: %+v", got)
	}
}

func TestResolveHonorsConfiguredRetries(t *testing.T) {
	f := newFixture(t)
	f.svc.opts.MaxRetries = 5
	f.ledger.resolveErr["0x09"] = errors.New("connection reset")

	f.svc.handle(context.Background(), ev("0x09", 42))

	if got := f.ledger.resolveCalls["0x09"]; got != 5 {
		t.Errorf("resolve attempted %d times, want 5", got)
	}
	got := f.store.committed["0x09"]
	if got == nil || got.Status != submissions.StatusFailed {
		t.Fatalf("want failed row after exhausted retries, got %+v", got)
	}
}

func TestResolveUnsetRetriesMeansOneAttempt(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolveErr["0x0c"] = errors.New("connection reset")

	f.svc.handle(context.Background(), ev("0x0c", 42))

	if got := f.ledger.resolveCalls["0x0c"]; got != 1 {
		t.Errorf("resolve attempted %d times, want 1", got)
	}
}

func TestResolveSkipsDelayAfterFinalAttempt(t *testing.T) {
	f := newFixture(t)
	f.svc.opts.MaxRetries = 3
	f.svc.opts.RetryDelay = 100 * time.Millisecond
	f.ledger.resolveErr["0x0d"] = errors.New("timeout")

	start := time.Now()
	f.svc.handle(context.Background(), ev("0x0d", 42))
	elapsed := time.Since(start)

	if got := f.ledger.resolveCalls["0x0d"]; got != 3 {
		t.Fatalf("resolve attempted %d times, want 3", got)
	}
	// Two delays between three attempts, none after the last.
	if elapsed < 200*time.Millisecond {
		t.Errorf("elapsed %v, want at least the two inter-attempt delays", elapsed)
	}
	if elapsed >= 290*time.Millisecond {
		t.Errorf("elapsed %v suggests a delay ran after the final attempt", elapsed)
	}
}

func TestHandleCommitFailureAllowsReprocess(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x07"] = pendingSubmission("0x07", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)
	f.store.commitErr = errors.New("deadlock")

	if f.svc.handle(context.Background(), ev("0x07", 42)) {
		t.Error("a failed commit must report the event as uncommitted")
	}

	f.store.commitErr = nil
	if !f.svc.handle(context.Background(), ev("0x07", 42)) {
		t.Error("second attempt should commit")
	}

	if f.fetch.calls["bafyone"] != 2 {
		t.Errorf("fetched %d times, want 2 (first commit failed)", f.fetch.calls["bafyone"])
	}
	if f.store.committed["0x07"] == nil {
		t.Error("second attempt must commit")
	}
}

func TestRunHoldsCheckpointUntilCommit(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.ledger.head = 10
	f.ledger.queried = []ledger.AttestationEvent{ev("0x10", 10)}
	f.ledger.resolved["0x10"] = pendingSubmission("0x10", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)
	f.store.commitErr = errors.New("deadlock")

	// Head is called once for the start block, then once per loop
	// iteration; the hook runs on the loop goroutine, so it can flip
	// store state between windows without racing the service.
	var advancesWhileFailing int
	f.ledger.onHead = func(n int) {
		switch {
		case n == 4:
			advancesWhileFailing = len(f.cps.advances)
			f.store.commitErr = nil
		case n >= 8:
			cancel()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Run(ctx) }()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if advancesWhileFailing != 0 {
		t.Fatalf("checkpoint advanced %d times while commits were failing", advancesWhileFailing)
	}
	if len(f.cps.advances) != 1 {
		t.Fatalf("checkpoint advanced %d times, want exactly 1", len(f.cps.advances))
	}
	if got := f.cps.advances[0].LastBlock; got != 10 {
		t.Errorf("checkpoint = %d, want 10", got)
	}
	if f.store.committed["0x10"] == nil {
		t.Error("submission never committed after the store recovered")
	}
}

func TestObserversIsolated(t *testing.T) {
	f := newFixture(t)
	broken := &recordingObserver{name: "broken", panics: true}
	healthy := &recordingObserver{name: "healthy"}
	f.svc.Register(broken)
	f.svc.Register(healthy)

	f.ledger.resolved["0x08"] = pendingSubmission("0x08", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)

	f.svc.handle(context.Background(), ev("0x08", 42))

	if len(healthy.notified) != 1 {
		t.Fatal("a panicking observer must not starve the others")
	}
	if healthy.notified[0].Status != submissions.StatusCompleted {
		t.Errorf("observer saw status %s", healthy.notified[0].Status)
	}
}

func TestCheckpointNeverRegresses(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.advanceCheckpoint(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.advanceCheckpoint(context.Background(), 50); err != nil {
		t.Fatal(err)
	}

	if got := f.cps.state.LastBlock; got != 100 {
		t.Errorf("checkpoint = %d, want 100 (must never move backward)", got)
	}
}

func TestCheckpointCountsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.ledger.resolved["0x0a"] = pendingSubmission("0x0a", "bafyone")
	f.fetch.bundles["bafyone"] = goodBundle(1)
	f.ledger.resolved["0x0b"] = pendingSubmission("0x0b", "")

	f.svc.handle(context.Background(), ev("0x0a", 10))
	f.svc.handle(context.Background(), ev("0x0b", 11))
	if err := f.svc.advanceCheckpoint(context.Background(), 11); err != nil {
		t.Fatal(err)
	}

	st := f.cps.state
	if st.ProcessedCount != 2 || st.ErrorCount != 1 {
		t.Errorf("processed=%d errors=%d, want 2/1", st.ProcessedCount, st.ErrorCount)
	}
	if st.LastUID != "0x0b" {
		t.Errorf("last_uid = %s, want 0x0b", st.LastUID)
	}
}

func TestStartBlockResumesAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.cps.state = checkpoint.State{LastBlock: 500}
	if err := f.svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	from, err := f.svc.startBlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if from != 501 {
		t.Errorf("from = %d, want 501", from)
	}
}

func TestStartBlockBackfillsFreshDeployment(t *testing.T) {
	f := newFixture(t)
	f.ledger.head = 5000
	f.svc.opts.Backfill = 1000

	from, err := f.svc.startBlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if from != 4000 {
		t.Errorf("from = %d, want 4000 (head minus backfill)", from)
	}
}

func TestStartBlockShortChain(t *testing.T) {
	f := newFixture(t)
	f.ledger.head = 50
	f.svc.opts.Backfill = 1000

	from, err := f.svc.startBlock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if from != 0 {
		t.Errorf("from = %d, want 0", from)
	}
}
