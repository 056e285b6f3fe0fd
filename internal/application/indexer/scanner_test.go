package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nweb-io/indexer/internal/domain/ledger"
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

// fakeLedger serves canned events from both retrieval paths.
type fakeLedger struct {
	mu sync.Mutex

	head       uint64
	headErr    error
	queried    []ledger.AttestationEvent
	queryErr   error
	buffered   []ledger.AttestationEvent
	resolved   map[string]*submissions.Submission
	resolveErr map[string]error

	queryCalls   [][2]uint64
	resolveCalls map[string]int
	headCalls    int
	// onHead runs on every Head call with the running call count, so
	// loop tests can steer state between iterations.
	onHead func(n int)
}

func (f *fakeLedger) Head(context.Context) (uint64, error) {
	f.mu.Lock()
	f.headCalls++
	n, hook := f.headCalls, f.onHead
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return f.head, f.headErr
}

func (f *fakeLedger) QueryRange(_ context.Context, from, to uint64) ([]ledger.AttestationEvent, error) {
	f.mu.Lock()
	f.queryCalls = append(f.queryCalls, [2]uint64{from, to})
	f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []ledger.AttestationEvent
	for _, ev := range f.queried {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) SubscribedInRange(from, to uint64) []ledger.AttestationEvent {
	var out []ledger.AttestationEvent
	for _, ev := range f.buffered {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeLedger) ResolveSubmission(_ context.Context, ev ledger.AttestationEvent) (*submissions.Submission, error) {
	f.mu.Lock()
	if f.resolveCalls == nil {
		f.resolveCalls = make(map[string]int)
	}
	f.resolveCalls[ev.UID]++
	f.mu.Unlock()
	if err := f.resolveErr[ev.UID]; err != nil {
		return nil, err
	}
	if sub, ok := f.resolved[ev.UID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, errors.New("no attestation for " + ev.UID)
}

func ev(uid string, block uint64) ledger.AttestationEvent {
	return ledger.AttestationEvent{UID: uid, Attester: "0xattester", Block: block}
}

func TestScanWindowClamp(t *testing.T) {
	lc := &fakeLedger{}
	s := NewScanner(lc, 100, nil)

	_, next, err := s.Scan(context.Background(), 50, 80)
	if err != nil {
		t.Fatal(err)
	}
	if next != 81 {
		t.Errorf("next = %d, want 81 (clamped to head+1)", next)
	}
	if got := lc.queryCalls[0]; got != [2]uint64{50, 80} {
		t.Errorf("queried [%d,%d], want [50,80]", got[0], got[1])
	}
}

func TestScanFullWindow(t *testing.T) {
	lc := &fakeLedger{}
	s := NewScanner(lc, 100, nil)

	_, next, err := s.Scan(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if next != 100 {
		t.Errorf("next = %d, want 100", next)
	}
	if got := lc.queryCalls[0]; got != [2]uint64{0, 99} {
		t.Errorf("queried [%d,%d], want [0,99]", got[0], got[1])
	}
}

func TestScanAheadOfHead(t *testing.T) {
	lc := &fakeLedger{}
	s := NewScanner(lc, 100, nil)

	events, next, err := s.Scan(context.Background(), 101, 100)
	if err != nil || events != nil {
		t.Fatalf("events=%v err=%v, want nil/nil", events, err)
	}
	if next != 101 {
		t.Errorf("next = %d, cursor must hold at 101", next)
	}
	if len(lc.queryCalls) != 0 {
		t.Error("no query should be issued ahead of head")
	}
}

func TestScanUnionDeduplicatesByUID(t *testing.T) {
	lc := &fakeLedger{
		queried:  []ledger.AttestationEvent{ev("0xaa", 12), ev("0xbb", 10)},
		buffered: []ledger.AttestationEvent{ev("0xaa", 12), ev("0xcc", 11)},
	}
	s := NewScanner(lc, 100, nil)

	events, _, err := s.Scan(context.Background(), 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (union of both paths, deduped)", len(events))
	}
	// Ascending block order regardless of retrieval path.
	wantOrder := []string{"0xbb", "0xcc", "0xaa"}
	for i, uid := range wantOrder {
		if events[i].UID != uid {
			t.Errorf("events[%d].UID = %s, want %s", i, events[i].UID, uid)
		}
	}
}

func TestScanRangeUnavailableSkipsRound(t *testing.T) {
	lc := &fakeLedger{queryErr: ledger.ErrRangeUnavailable}
	s := NewScanner(lc, 50, nil)

	events, next, err := s.Scan(context.Background(), 100, 1000)
	if err != nil {
		t.Fatalf("range-unavailable must not surface as an error, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
	if next != 150 {
		t.Errorf("next = %d, want 150 (cursor still advances)", next)
	}
}

func TestScanOtherErrorHoldsCursor(t *testing.T) {
	lc := &fakeLedger{queryErr: errors.New("rpc exploded")}
	s := NewScanner(lc, 50, nil)

	_, next, err := s.Scan(context.Background(), 100, 1000)
	if err == nil {
		t.Fatal("expected error")
	}
	if next != 100 {
		t.Errorf("next = %d, cursor must hold at 100 on failure", next)
	}
}
