// Session ids minted by PTYPool are uuid.NewString output (cmd/personalagentd's
// idFunc). ValidateUUID lets Router reject a malformed sessionId before it
// ever reaches the pool's lookup map. ValidateToken and ValidatePort guard
// AuthGate's auth frame and the gateway's listen port respectively.
package security

import (
	"regexp"
	"strings"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidateUUID checks if string is valid UUID format
func ValidateUUID(uuid string) bool {
	if uuid == "" {
		return false
	}
	return uuidRegex.MatchString(strings.ToLower(uuid))
}

// ValidateToken rejects an auth frame's token before it is even compared
// against the real one — the real token is always AuthTokenMinBytes of hex,
// so anything shorter than 32 characters cannot possibly match.
func ValidateToken(token string) bool {
	if token == "" || len(token) < 32 {
		return false
	}
	return true
}

// ValidatePort checks if port is valid
func ValidatePort(port int) bool {
	return port > 0 && port <= 65535
}

// SanitizeInput removes potentially dangerous characters
func SanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")
	// Remove control characters except newline/tab
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidatePath checks for path traversal attempts
func ValidatePath(path string) bool {
	// Check for path traversal
	if strings.Contains(path, "..") {
		return false
	}
	// Check for null bytes
	if strings.Contains(path, "\x00") {
		return false
	}
	return true
}
