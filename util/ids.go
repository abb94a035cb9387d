package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used for file and run ids.
func NewID() string { return uuid.NewString() }

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// MaskSecret hides all but the first visiblePrefix characters of s so API
// keys can appear in logs and audit records.
func MaskSecret(s string, visiblePrefix int) string {
	if s == "" {
		return ""
	}
	if len(s) <= visiblePrefix {
		return "***"
	}
	return s[:visiblePrefix] + strings.Repeat("*", 3)
}
