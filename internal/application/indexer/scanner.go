package indexer

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/nweb-io/indexer/internal/domain/ledger"
)

// Scanner retrieves attestation events in bounded block windows.
type Scanner struct {
	Client ledger.Client
	Window uint64
	Log    *zap.Logger
}

func NewScanner(client ledger.Client, window uint64, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{Client: client, Window: window, Log: log}
}

// Scan returns the deduplicated events with block in
// [from, min(from+window-1, head)] and the next cursor position,
// min(from+window, head+1). The cursor never advances past the confirmed
// head, and a range the node cannot serve counts as an empty round.
//
// Events come from two independent paths: the push subscription buffer
// (fast, lossy across reconnects) and a direct range query (source of
// truth). The union is deduplicated by UID, first occurrence winning;
// event content is identical across paths by construction.
func (s *Scanner) Scan(ctx context.Context, from, head uint64) ([]ledger.AttestationEvent, uint64, error) {
	if from > head {
		return nil, from, nil
	}
	to := from + s.Window - 1
	if to > head {
		to = head
	}
	next := to + 1

	queried, err := s.Client.QueryRange(ctx, from, to)
	if err != nil {
		if errors.Is(err, ledger.ErrRangeUnavailable) {
			s.Log.Warn("block range unavailable, skipping round",
				zap.Uint64("from", from), zap.Uint64("to", to))
			return nil, next, nil
		}
		return nil, from, err
	}

	seen := make(map[string]struct{}, len(queried))
	events := make([]ledger.AttestationEvent, 0, len(queried))
	for _, ev := range append(queried, s.Client.SubscribedInRange(from, to)...) {
		if _, dup := seen[ev.UID]; dup {
			continue
		}
		seen[ev.UID] = struct{}{}
		events = append(events, ev)
	}

	// Ascending source position; stable keeps retrieval order for events
	// in the same block.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Block < events[j].Block
	})

	return events, next, nil
}
