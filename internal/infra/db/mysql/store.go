package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nweb-io/indexer/internal/domain/checkpoint"
	domain "github.com/nweb-io/indexer/internal/domain/submissions"
)

// Store is the persistence coordinator on MySQL, mirroring the postgres
// backend's contract with dialect-local SQL.
type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Migrate applies the schema. Idempotent. Indexes are declared inline
// because MySQL has no CREATE INDEX IF NOT EXISTS.
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
			extra           BLOB,
			ts              BIGINT NOT NULL DEFAULT 0,
			processed_at    DATETIME NULL,
			status          VARCHAR(20) NOT NULL DEFAULT 'pending',
			error_message   TEXT,
			block_number    BIGINT NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_submissions_status (status),
			INDEX idx_submissions_ts (ts),
			INDEX idx_submissions_submitter (submitter, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id             BIGINT AUTO_INCREMENT PRIMARY KEY,
			submission_uid VARCHAR(66) NOT NULL,
			ts             BIGINT NOT NULL DEFAULT 0,
			ip             VARCHAR(45) NOT NULL DEFAULT '',
			port           INT NOT NULL DEFAULT 0,
			protocol       VARCHAR(10) NOT NULL DEFAULT '',
			state          VARCHAR(20) NOT NULL DEFAULT '',
			service        VARCHAR(100) NOT NULL DEFAULT '',
			product        VARCHAR(100) NOT NULL DEFAULT '',
			version        VARCHAR(200) NOT NULL DEFAULT '',
			banner_sha256  VARCHAR(64) NOT NULL DEFAULT '',
			cert_fpr       VARCHAR(128) NOT NULL DEFAULT '',
			tls_ja3        VARCHAR(64) NOT NULL DEFAULT '',
			latency_ms     INT NULL,
			tool           VARCHAR(50) NOT NULL DEFAULT '',
			tool_version   VARCHAR(50) NOT NULL DEFAULT '',
			options        VARCHAR(500) NOT NULL DEFAULT '',
			vantage        VARCHAR(100) NOT NULL DEFAULT '',
			INDEX idx_records_submission (submission_uid),
			INDEX idx_records_ip_port (ip, port),
			INDEX idx_records_service (service),
			CONSTRAINT fk_records_submission FOREIGN KEY (submission_uid)
				REFERENCES submissions (uid) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS indexer_state (
			id              INT PRIMARY KEY,
			last_block      BIGINT NOT NULL DEFAULT 0,
			last_uid        VARCHAR(66) NOT NULL DEFAULT '',
			processed_count BIGINT NOT NULL DEFAULT 0,
			error_count     BIGINT NOT NULL DEFAULT 0,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 submitter       = VALUES(submitter),
 job_id          = VALUES(job_id),
 namespace       = VALUES(namespace),
 dataset_type    = VALUES(dataset_type),
 cid             = VALUES(cid),
 merkle_root     = VALUES(merkle_root),
 target_spec_cid = VALUES(target_spec_cid),
 started_at      = VALUES(started_at),
 finished_at     = VALUES(finished_at),
 tool            = VALUES(tool),
 version         = VALUES(version),
 vantage         = VALUES(vantage),
 manifest_sha256 = VALUES(manifest_sha256),
 extra           = VALUES(extra),
 ts              = VALUES(ts),
 processed_at    = VALUES(processed_at),
 status          = VALUES(status),
 error_message   = VALUES(error_message),
 block_number    = VALUES(block_number);`

func submissionArgs(sub *domain.Submission) []any {
	return []any{
		string(sub.UID), sub.Submitter, sub.JobID, sub.Namespace, sub.DatasetType,
		sub.CID, sub.MerkleRoot, sub.TargetSpecCID, sub.StartedAt, sub.FinishedAt,
		sub.Tool, sub.Version, sub.Vantage, sub.ManifestSHA256, sub.Extra,
		sub.Timestamp, nullTime(sub.ProcessedAt), string(sub.Status),
		sub.ErrorMessage, sub.Block,
	}
}

func (s *Store) Save(ctx context.Context, sub *domain.Submission) error {
	_, err := s.db.ExecContext(ctx, upsertSubmission, submissionArgs(sub)...)
	return err
}

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
		`DELETE FROM records WHERE submission_uid = ?`, string(sub.UID)); err != nil {
		return fmt.Errorf("clear records %s: %w", sub.UID, err)
	}

	const insertRecord = `
INSERT INTO records
 (submission_uid, ts, ip, port, protocol, state, service, product, version,
  banner_sha256, cert_fpr, tls_ja3, latency_ms, tool, tool_version, options, vantage)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`
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

func (s *Store) ProcessedUIDs(ctx context.Context) (map[domain.UID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM submissions WHERE status IN (?, ?)`,
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

func (s *Store) Advance(ctx context.Context, st *checkpoint.State) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO indexer_state (id, last_block, last_uid, processed_count, error_count, updated_at)
VALUES (1,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 last_block      = VALUES(last_block),
 last_uid        = VALUES(last_uid),
 processed_count = VALUES(processed_count),
 error_count     = VALUES(error_count),
 updated_at      = VALUES(updated_at);`,
		st.LastBlock, st.LastUID, st.ProcessedCount, st.ErrorCount, st.UpdatedAt)
	return err
}

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
