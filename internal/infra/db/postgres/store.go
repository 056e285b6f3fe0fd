package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nweb-io/indexer/internal/domain/checkpoint"
	domain "github.com/nweb-io/indexer/internal/domain/submissions"
)

// Store is the persistence coordinator on PostgreSQL. It implements both
// the submissions store and the checkpoint store.
type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
			uid             VARCHAR(66) PRIMARY KEY,
			submitter       VARCHAR(42) NOT NULL DEFAULT '',
			job_id          VARCHAR(66) NOT NULL DEFAULT '',
			namespace       VARCHAR(100) NOT NULL DEFAULT '',
			dataset_type    VARCHAR(50) NOT NULL DEFAULT '',
			cid             VARCHAR(100) NOT NULL DEFAULT '',
			merkle_root     VARCHAR(66) NOT NULL DEFAULT '',
			target_spec_cid VARCHAR(100) NOT NULL DEFAULT '',
			started_at      BIGINT NOT NULL DEFAULT 0,
			finished_at     BIGINT NOT NULL DEFAULT 0,
			tool            VARCHAR(50) NOT NULL DEFAULT '',
			version         VARCHAR(50) NOT NULL DEFAULT '',
			vantage         VARCHAR(100) NOT NULL DEFAULT '',
			manifest_sha256 VARCHAR(64) NOT NULL DEFAULT '',
			extra           BYTEA,
			ts              BIGINT NOT NULL DEFAULT 0,
			processed_at    TIMESTAMPTZ,
			status          VARCHAR(20) NOT NULL DEFAULT 'pending',
			error_message   TEXT NOT NULL DEFAULT '',
			block_number    BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_ts ON submissions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_submitter ON submissions(submitter, ts)`,
		`CREATE TABLE IF NOT EXISTS records (
			id             BIGSERIAL PRIMARY KEY,
			submission_uid VARCHAR(66) NOT NULL REFERENCES submissions(uid) ON DELETE CASCADE,
			ts             BIGINT NOT NULL DEFAULT 0,
			ip             VARCHAR(45) NOT NULL DEFAULT '',
			port           INTEGER NOT NULL DEFAULT 0,
			protocol       VARCHAR(10) NOT NULL DEFAULT '',
			state          VARCHAR(20) NOT NULL DEFAULT '',
			service        VARCHAR(100) NOT NULL DEFAULT '',
			product        VARCHAR(100) NOT NULL DEFAULT '',
			version        VARCHAR(200) NOT NULL DEFAULT '',
			banner_sha256  VARCHAR(64) NOT NULL DEFAULT '',
			cert_fpr       VARCHAR(128) NOT NULL DEFAULT '',
			tls_ja3        VARCHAR(64) NOT NULL DEFAULT '',
			latency_ms     INTEGER,
			tool           VARCHAR(50) NOT NULL DEFAULT '',
			tool_version   VARCHAR(50) NOT NULL DEFAULT '',
			options        VARCHAR(500) NOT NULL DEFAULT '',
			vantage        VARCHAR(100) NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_submission ON records(submission_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_records_ip_port ON records(ip, port)`,
		`CREATE INDEX IF NOT EXISTS idx_records_service ON records(service)`,
		`CREATE TABLE IF NOT EXISTS indexer_state (
			id              INTEGER PRIMARY KEY,
			last_block      BIGINT NOT NULL DEFAULT 0,
			last_uid        VARCHAR(66) NOT NULL DEFAULT '',
			processed_count BIGINT NOT NULL DEFAULT 0,
			error_count     BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const upsertSubmission = `
INSERT INTO submissions
 (uid, submitter, job_id, namespace, dataset_type, cid, merkle_root,
  target_spec_cid, started_at, finished_at, tool, version, vantage,
  manifest_sha256, extra, ts, processed_at, status, error_message, block_number)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (uid) DO UPDATE SET
 submitter       = EXCLUDED.submitter,
 job_id          = EXCLUDED.job_id,
 namespace       = EXCLUDED.namespace,
 dataset_type    = EXCLUDED.dataset_type,
 cid             = EXCLUDED.cid,
 merkle_root     = EXCLUDED.merkle_root,
 target_spec_cid = EXCLUDED.target_spec_cid,
 started_at      = EXCLUDED.started_at,
 finished_at     = EXCLUDED.finished_at,
 tool            = EXCLUDED.tool,
 version         = EXCLUDED.version,
 vantage         = EXCLUDED.vantage,
 manifest_sha256 = EXCLUDED.manifest_sha256,
 extra           = EXCLUDED.extra,
 ts              = EXCLUDED.ts,
 processed_at    = EXCLUDED.processed_at,
 status          = EXCLUDED.status,
 error_message   = EXCLUDED.error_message,
 block_number    = EXCLUDED.block_number;`

func submissionArgs(sub *domain.Submission) []any {
	return []any{
		string(sub.UID), sub.Submitter, sub.JobID, sub.Namespace, sub.DatasetType,
		sub.CID, sub.MerkleRoot, sub.TargetSpecCID, sub.StartedAt, sub.FinishedAt,
		sub.Tool, sub.Version, sub.Vantage, sub.ManifestSHA256, sub.Extra,
		sub.Timestamp, nullTime(sub.ProcessedAt), string(sub.Status),
		sub.ErrorMessage, sub.Block,
	}
}

// Save upserts the submission row only.
func (s *Store) Save(ctx context.Context, sub *domain.Submission) error {
	_, err := s.db.ExecContext(ctx, upsertSubmission, submissionArgs(sub)...)
	return err
}

// Commit writes the submission and its full record set in one transaction.
// Prior records for the UID are replaced, never appended to.
func (s *Store) Commit(ctx context.Context, sub *domain.Submission, records []domain.ScanRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertSubmission, submissionArgs(sub)...); err != nil {
		return fmt.Errorf("upsert submission %s: %w", sub.UID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE submission_uid = $1`, string(sub.UID)); err != nil {
		return fmt.Errorf("clear records %s: %w", sub.UID, err)
	}

	const insertRecord = `
INSERT INTO records
 (submission_uid, ts, ip, port, protocol, state, service, product, version,
  banner_sha256, cert_fpr, tls_ja3, latency_ms, tool, tool_version, options, vantage)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17);`
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, insertRecord,
			string(sub.UID), r.Timestamp, r.IP, r.Port, r.Protocol, r.State,
			r.Service, r.Product, r.Version, r.BannerSHA256, r.CertFpr,
			r.TLSJA3, nullInt(r.LatencyMS), r.Tool, r.ToolVersion,
			r.Options, r.Vantage,
		); err != nil {
			return fmt.Errorf("insert record for %s: %w", sub.UID, err)
		}
	}

	return tx.Commit()
}

// ProcessedUIDs loads the terminal UIDs; non-terminal rows stay out so a
// restart reprocesses them.
func (s *Store) ProcessedUIDs(ctx context.Context) (map[domain.UID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM submissions WHERE status IN ($1, $2)`,
		string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	uids := make(map[domain.UID]struct{})
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids[domain.UID(uid)] = struct{}{}
	}
	return uids, rows.Err()
}

// Load returns the checkpoint, zero-valued when none exists yet.
func (s *Store) Load(ctx context.Context) (*checkpoint.State, error) {
	st := &checkpoint.State{}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_block, last_uid, processed_count, error_count, updated_at
		 FROM indexer_state WHERE id = 1`).
		Scan(&st.LastBlock, &st.LastUID, &st.ProcessedCount, &st.ErrorCount, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return &checkpoint.State{}, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Advance upserts the singleton checkpoint row.
func (s *Store) Advance(ctx context.Context, st *checkpoint.State) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO indexer_state (id, last_block, last_uid, processed_count, error_count, updated_at)
VALUES (1,$1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
 last_block      = EXCLUDED.last_block,
 last_uid        = EXCLUDED.last_uid,
 processed_count = EXCLUDED.processed_count,
 error_count     = EXCLUDED.error_count,
 updated_at      = EXCLUDED.updated_at;`,
		st.LastBlock, st.LastUID, st.ProcessedCount, st.ErrorCount, st.UpdatedAt)
	return err
}

// Stats aggregates the durably committed state.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{ByStatus: make(map[domain.Status]int64)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records`).Scan(&stats.TotalRecords); err != nil {
		return nil, err
	}

	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	stats.LastBlock = st.LastBlock
	stats.LastUID = st.LastUID
	stats.ProcessedCount = st.ProcessedCount
	stats.ErrorCount = st.ErrorCount
	stats.UpdatedAt = st.UpdatedAt
	return stats, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
