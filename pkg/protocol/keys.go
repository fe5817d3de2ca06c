package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keyLen is the number of hex characters kept from a SHA-256 digest for
// deterministic identity keys (skill keys, digest keys).
const keyLen = 32

// HashKey returns the first 32 hex chars of the SHA-256 over the given
// parts joined with a NUL separator.
func HashKey(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])[:keyLen]
}

// NormalizeCode canonicalizes skill code for hashing: CRLF to LF, trailing
// whitespace stripped per line, leading/trailing blank lines removed.
func NormalizeCode(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SkillKey derives the deterministic identity of a skill from its name,
// normalized code and language. Two skills with the same key are the same
// skill; the registry keeps one latest non-revoked record per key.
func SkillKey(name, code, language string) string {
	return HashKey(name, NormalizeCode(code), language)
}

// ContentHash returns the dedupe hash for an event body.
func ContentHash(content string) string {
	return HashKey(content)
}
