// Package pairing implements the one-time code exchange that unlocks a
// private identity for a new chat peer.
package pairing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"
)

// Result is the outcome of checking an inbound message against the gate.
type Result int

const (
	// Missing means the message carried no pairing code.
	Missing Result = iota
	// Misconfigured means the identity has no stored code hash.
	Misconfigured
	// Mismatch means a code was supplied but did not match.
	Mismatch
	// OK means the code matched the stored hash.
	OK
)

func (r Result) String() string {
	switch r {
	case Missing:
		return "missing"
	case Misconfigured:
		return "misconfigured"
	case Mismatch:
		return "mismatch"
	case OK:
		return "ok"
	}
	return "unknown"
}

var pairPattern = regexp.MustCompile(`(?i)^/pair(?:@[\w_]+)?(?:\s+(.+))?$`)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// Normalize upper-cases the code and strips everything that is not A-Z or 0-9,
// so "abc-123", "ABC 123" and "abc123" are the same code.
func Normalize(code string) string {
	return nonAlnum.ReplaceAllString(strings.ToUpper(code), "")
}

// ExtractCode returns the normalized code from a "/pair <code>" message.
// ok is false when the text is not a pair command or the code is empty.
func ExtractCode(text string) (code string, ok bool) {
	m := pairPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	code = Normalize(m[1])
	return code, code != ""
}

// IsPairCommand reports whether text starts with /pair, with or without a code.
func IsPairCommand(text string) bool {
	return pairPattern.MatchString(strings.TrimSpace(text))
}

// Hash returns the hex SHA-256 of the normalized code.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(Normalize(code)))
	return hex.EncodeToString(sum[:])
}

// Verify compares code against storedHash.
func Verify(code, storedHash string) bool {
	storedHash = strings.ToLower(strings.TrimSpace(storedHash))
	if storedHash == "" || Normalize(code) == "" {
		return false
	}
	got := Hash(code)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

// Check runs the whole gate for one inbound message.
// A private identity without a stored hash is Misconfigured whatever the
// peer sends.
func Check(text, storedHash string) Result {
	if strings.TrimSpace(storedHash) == "" {
		return Misconfigured
	}
	code, ok := ExtractCode(text)
	if !ok {
		return Missing
	}
	if !Verify(code, storedHash) {
		return Mismatch
	}
	return OK
}
