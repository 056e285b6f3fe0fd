package bundles

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func want(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return "0x" + hex.EncodeToString(sum[:])
}

func TestStreamDigest(t *testing.T) {
	tests := []struct {
		name      string
		stream    string
		canonical string
	}{
		{"single line", `{"ip":"10.0.0.1"}`, `{"ip":"10.0.0.1"}`},
		{"trailing newline dropped", "a\nb\n", "a\nb"},
		{"interior blank lines dropped", "a\n\n\nb", "a\nb"},
		{"surrounding whitespace trimmed", "  a  \n\tb\t\n", "a\nb"},
		{"crlf trimmed per line", "a\r\nb\r\n", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StreamDigest([]byte(tt.stream))
			if got != want(tt.canonical) {
				t.Errorf("StreamDigest(%q) = %s, want digest of %q", tt.stream, got, tt.canonical)
			}
		})
	}
}

func TestStreamDigestEmpty(t *testing.T) {
	for _, stream := range []string{"", "\n", "  \n\t\n"} {
		if got := StreamDigest([]byte(stream)); got != "" {
			t.Errorf("StreamDigest(%q) = %q, want empty", stream, got)
		}
	}
}

func TestStreamDigestInsensitiveToLineEndings(t *testing.T) {
	a := StreamDigest([]byte("x\ny\n"))
	b := StreamDigest([]byte("x\ny"))
	if a != b {
		t.Errorf("digest should not depend on trailing newline: %s != %s", a, b)
	}
}

func TestDocumentSHA256(t *testing.T) {
	doc := []byte(`{"schema":"nweb.scanprint.v1"}`)
	sum := sha256.Sum256(doc)
	if got := DocumentSHA256(doc); got != hex.EncodeToString(sum[:]) {
		t.Errorf("DocumentSHA256 = %s", got)
	}
}
