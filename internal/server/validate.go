// Package server validates client-supplied identifiers and sanitizes message
// content before any registry state is touched.
package server

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxUsernameLength = 20
	maxRoomNameLength = 30
)

// namePattern covers both usernames and room names; the two differ only in
// their length limits.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateUsername(username string) error {
	if username == "" {
		return validationError("username is required")
	}
	if len(username) > maxUsernameLength {
		return validationError(fmt.Sprintf("username must be at most %d characters", maxUsernameLength))
	}
	if !namePattern.MatchString(username) {
		return validationError("username may only contain letters, digits, underscores, and hyphens")
	}
	return nil
}

func validateRoomName(room string) error {
	if room == "" {
		return validationError("room name is required")
	}
	if len(room) > maxRoomNameLength {
		return validationError(fmt.Sprintf("room name must be at most %d characters", maxRoomNameLength))
	}
	if !namePattern.MatchString(room) {
		return validationError("room name may only contain letters, digits, underscores, and hyphens")
	}
	return nil
}

// canonicalUsername normalizes a username for case-insensitive comparison and
// indexing. Display always uses the original casing.
func canonicalUsername(username string) string {
	return strings.ToLower(username)
}

// sanitizeContent trims surrounding whitespace and truncates the content to
// the configured maximum length. The caller rejects content that is empty
// after sanitization.
func sanitizeContent(content string, maxLength int) string {
	trimmed := strings.TrimSpace(content)
	if maxLength > 0 {
		runes := []rune(trimmed)
		if len(runes) > maxLength {
			trimmed = string(runes[:maxLength])
		}
	}
	return trimmed
}
