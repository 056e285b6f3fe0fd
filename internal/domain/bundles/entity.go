package bundles

import (
	"github.com/nweb-io/indexer/internal/domain/submissions"
)

// StreamRef locates the result stream inside a bundle. MerkleRoot, when
// present, is the attested integrity root the stream must hash to.
type StreamRef struct {
	Path       string `json:"path"`
	MerkleRoot string `json:"merkleRoot,omitempty"`
}

// ArtifactRef describes an auxiliary artifact (e.g. raw tool output).
// Artifacts are best-effort; a bundle is valid without them.
type ArtifactRef struct {
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
}

// Manifest is the bundle's manifest.json document. It is parsed per fetch
// and never persisted as its own row; only its digest lands on the
// submission.
type Manifest struct {
	Schema        string        `json:"schema"`
	Namespace     string        `json:"namespace"`
	DatasetType   string        `json:"dataset_type"`
	Scanprint     StreamRef     `json:"scanprint"`
	Artifacts     []ArtifactRef `json:"artifacts,omitempty"`
	TargetSpecCID string        `json:"target_spec_cid"`
	Tool          string        `json:"tool"`
	ToolVersion   string        `json:"tool_version"`
	Vantage       string        `json:"vantage"`
	StartedAt     int64         `json:"started_at"`
	FinishedAt    int64         `json:"finished_at"`
	Notes         string        `json:"notes,omitempty"`
}

// Bundle is the verified result of fetching one content address.
type Bundle struct {
	Manifest       Manifest
	ManifestSHA256 string
	Records        []submissions.ScanRecord
	// Artifacts maps manifest-declared paths to their fetched bytes.
	// Only the artifacts that could actually be retrieved appear here.
	Artifacts map[string][]byte
}
