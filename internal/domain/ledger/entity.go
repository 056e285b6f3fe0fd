package ledger

// AttestationEvent is the transient log entry emitted by the attestor
// contract. It is consumed once by the orchestrator and never persisted.
type AttestationEvent struct {
	UID      string // 0x-prefixed 32-byte handle
	Attester string
	Subject  string
	Block    uint64
}

// Attestation is the resolved on-chain record behind an event UID.
type Attestation struct {
	UID        string
	Attester   string
	Subject    string
	SchemaUID  string
	Timestamp  uint64
	Expiration uint64
	Revoked    bool
	Payload    []byte
}

// SubmissionPayload is the typed decode of a scan-submission attestation
// payload. Decoding either yields all fields or fails; there are no
// partially-populated placeholder values.
type SubmissionPayload struct {
	JobID         string
	CID           string
	MerkleRoot    string
	TargetSpecCID string
	Namespace     string
	DatasetType   string
	Tool          string
	ToolVersion   string
	Vantage       string
	StartedAt     uint64
	FinishedAt    uint64
}
