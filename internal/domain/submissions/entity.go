package submissions

import (
	"time"
)

// UID is the unique 32-byte attestation handle, 0x-prefixed hex.
type UID string

// Status enum
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is durable and immutable for its
// identifier version.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces the monotonic state machine:
// pending -> processing -> {completed, failed}.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Aggregate root: one attested scan submission.
type Submission struct {
	UID            UID        `json:"uid"`
	Submitter      string     `json:"submitter"`
	JobID          string     `json:"job_id"`
	Namespace      string     `json:"namespace"`
	DatasetType    string     `json:"dataset_type"`
	CID            string     `json:"cid"`
	MerkleRoot     string     `json:"merkle_root"`
	TargetSpecCID  string     `json:"target_spec_cid"`
	StartedAt      int64      `json:"started_at"`
	FinishedAt     int64      `json:"finished_at"`
	Tool           string     `json:"tool"`
	Version        string     `json:"version"`
	Vantage        string     `json:"vantage"`
	ManifestSHA256 string     `json:"manifest_sha256,omitempty"`
	Extra          []byte     `json:"extra,omitempty"`
	Timestamp      int64      `json:"timestamp"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	Status         Status     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Block          uint64     `json:"block"`
}

// ScanRecord is one line of the bundle's result stream. Field names follow
// the scanprint JSONL wire format.
type ScanRecord struct {
	Timestamp    int64  `json:"timestamp"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	State        string `json:"state"`
	Service      string `json:"service,omitempty"`
	Product      string `json:"product,omitempty"`
	Version      string `json:"version,omitempty"`
	BannerSHA256 string `json:"banner_sha256,omitempty"`
	CertFpr      string `json:"cert_fpr,omitempty"`
	TLSJA3       string `json:"tls_ja3,omitempty"`
	LatencyMS    *int   `json:"latency_ms,omitempty"`
	Tool         string `json:"tool"`
	ToolVersion  string `json:"tool_version"`
	Options      string `json:"options"`
	Vantage      string `json:"vantage"`
}

// Stats is the aggregate view served by the stats command and the HTTP API.
type Stats struct {
	ByStatus       map[Status]int64 `json:"submissions"`
	TotalRecords   int64            `json:"total_records"`
	LastBlock      uint64           `json:"last_block"`
	LastUID        string           `json:"last_uid"`
	ProcessedCount uint64           `json:"processed_count"`
	ErrorCount     uint64           `json:"error_count"`
	UpdatedAt      time.Time        `json:"last_updated"`
}
