package auth

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrEmptyUserID   = errors.New("user id is required")
	ErrInvalidUserID = errors.New("user id may only contain letters, digits, '-', '_', '.', ':' and '@'")
)

// User ids come from the chat platform; keep them safe for storage keys
// and log lines.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,64}$`)

func ValidateUserID(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}
	if !userIDRegex.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}
