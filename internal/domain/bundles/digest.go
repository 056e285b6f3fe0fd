package bundles

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// StreamDigest computes the integrity digest over a result stream.
//
// The canonical byte representation is part of the wire contract and must
// not change without a format version bump:
//
//	split the stream on "\n", trim surrounding whitespace from each line,
//	drop empty lines, join the remaining lines with "\n", encode as UTF-8,
//	SHA-256, lowercase hex with an "0x" prefix.
//
// This is a single whole-stream digest, not a hash tree; it detects
// tampering but supports no partial proofs. An empty stream digests to "".
func StreamDigest(stream []byte) string {
	var lines []string
	for _, line := range strings.Split(string(stream), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return "0x" + hex.EncodeToString(sum[:])
}

// DocumentSHA256 is the plain hex SHA-256 of a document, recorded for the
// manifest on its submission row.
func DocumentSHA256(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
