package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nweb-io/indexer/internal/domain/bundles"
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

const manifestName = "manifest.json"

// BundleFetcher retrieves and verifies one content-addressed bundle.
type BundleFetcher interface {
	Fetch(ctx context.Context, cid string) (*bundles.Bundle, error)
}

// Fetcher implements BundleFetcher over a content store, retrying transport
// failures and failing fast on content failures. With Pin set, bundles that
// verify are pinned so the node retains them.
type Fetcher struct {
	Store      bundles.ContentStore
	MaxBytes   int64
	MaxRetries int
	RetryDelay time.Duration
	Pin        bool
	Log        *zap.Logger
}

func NewFetcher(store bundles.ContentStore, maxBytes int64, maxRetries int, retryDelay time.Duration, pin bool, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{Store: store, MaxBytes: maxBytes, MaxRetries: maxRetries, RetryDelay: retryDelay, Pin: pin, Log: log}
}

// Fetch retrieves the bundle at cid, verifies its integrity and assembles
// structured records. Every failure carries a named reason; integrity
// mismatches are distinct from transport failures.
func (f *Fetcher) Fetch(ctx context.Context, cid string) (*bundles.Bundle, error) {
	st, err := f.stat(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !st.IsDirectory || st.Children == 0 {
		return nil, bundles.Fatal(bundles.ReasonNotBundle, fmt.Errorf("cid %s has no child entries", cid))
	}

	manifestBytes, err := f.cat(ctx, cid+"/"+manifestName)
	if err != nil {
		return nil, reclassify(err, bundles.ReasonManifest)
	}
	var manifest bundles.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, bundles.Fatal(bundles.ReasonBadManifest, err)
	}
	if manifest.Scanprint.Path == "" {
		return nil, bundles.Fatal(bundles.ReasonBadManifest, errors.New("manifest declares no scanprint path"))
	}

	stream, err := f.cat(ctx, cid+"/"+manifest.Scanprint.Path)
	if err != nil {
		return nil, reclassify(err, bundles.ReasonStream)
	}
	records, err := parseRecords(stream)
	if err != nil {
		return nil, bundles.Fatal(bundles.ReasonBadStream, err)
	}

	if want := manifest.Scanprint.MerkleRoot; want != "" {
		if got := bundles.StreamDigest(stream); got != want {
			return nil, bundles.Fatal(bundles.ReasonIntegrity,
				fmt.Errorf("expected %s, got %s", want, got))
		}
	}

	bundle := &bundles.Bundle{
		Manifest:       manifest,
		ManifestSHA256: bundles.DocumentSHA256(manifestBytes),
		Records:        records,
	}

	// Auxiliary artifacts are best-effort; a missing one never fails the
	// bundle.
	for _, art := range manifest.Artifacts {
		if art.Path == "" || art.Path == manifest.Scanprint.Path {
			continue
		}
		data, err := f.cat(ctx, cid+"/"+art.Path)
		if err != nil {
			f.Log.Warn("artifact fetch skipped",
				zap.String("cid", cid),
				zap.String("path", art.Path),
				zap.Error(err))
			continue
		}
		if bundle.Artifacts == nil {
			bundle.Artifacts = make(map[string][]byte)
		}
		bundle.Artifacts[art.Path] = data
	}

	// Pin only after the bundle verified; a pin failure is logged, never
	// surfaced.
	if f.Pin {
		if err := f.Store.Pin(ctx, cid); err != nil {
			f.Log.Warn("pin failed", zap.String("cid", cid), zap.Error(err))
		}
	}

	return bundle, nil
}

func (f *Fetcher) stat(ctx context.Context, path string) (bundles.Stat, error) {
	var st bundles.Stat
	err := f.withRetry(ctx, func() error {
		var err error
		st, err = f.Store.Stat(ctx, path)
		return err
	})
	return st, err
}

func (f *Fetcher) cat(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := f.withRetry(ctx, func() error {
		var err error
		data, err = f.Store.Cat(ctx, path, f.MaxBytes)
		return err
	})
	return data, err
}

// withRetry retries only transport failures; content failures (oversize,
// not-found-as-content) surface immediately.
func (f *Fetcher) withRetry(ctx context.Context, op func() error) error {
	attempts := f.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, bundles.ErrTooLarge) {
			return bundles.Fatal(bundles.ReasonTooLarge, err)
		}
		if !bundles.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}
	return lastErr
}

// parseRecords decodes the newline-delimited record stream. One malformed
// line fails the whole set; partial record sets are never persisted.
func parseRecords(stream []byte) ([]submissions.ScanRecord, error) {
	var records []submissions.ScanRecord
	for i, line := range bytes.Split(stream, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec submissions.ScanRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// reclassify renames an unnamed fatal failure to the step that broke, so
// error messages say which fetch failed. Transport errors stay retryable
// and already-named reasons (oversize) are kept.
func reclassify(err error, reason string) error {
	if bundles.Retryable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var ce *bundles.ContentError
	if errors.As(err, &ce) {
		if ce.Reason != bundles.ReasonTransport {
			return err
		}
		return bundles.Fatal(reason, ce.Err)
	}
	return bundles.Fatal(reason, err)
}
