package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes query text: Unicode NFKC, lowercase, trimmed, with
// runs of whitespace collapsed to single spaces. Normalize is idempotent.
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint returns the hex-encoded SHA-256 of the normalized query.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// PointID derives the vector-store point ID for a fingerprint. Qdrant point
// IDs must be UUIDs, so the fingerprint is mapped deterministically; the
// exact tier stays a single retrieve-by-id.
func PointID(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint)).String()
}
