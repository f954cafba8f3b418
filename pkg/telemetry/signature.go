package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Volatile fragments are masked before hashing so two occurrences of the
// same underlying error share a signature even when ids or counts differ.
var (
	guidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numberPattern = regexp.MustCompile(`\b\d+\b`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// sanitizeMessage masks volatile and potentially sensitive fragments of an
// error message: quoted values first (they may hold user input), then GUIDs
// and numbers.
func sanitizeMessage(message string) string {
	message = quotedPattern.ReplaceAllString(message, "<value>")
	message = guidPattern.ReplaceAllString(message, "<guid>")
	message = numberPattern.ReplaceAllString(message, "<n>")
	return message
}

// errorSignature derives a stable signature from the error's Go type and a
// short hash of its sanitized message.
func errorSignature(err error) string {
	sum := sha256.Sum256([]byte(sanitizeMessage(err.Error())))
	return fmt.Sprintf("%T:%s", err, hex.EncodeToString(sum[:8]))
}
