// Package validation provides input validation helpers and middleware for
// the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength caps free-text fields such as dispute reasons.
const MaxReasonLength = 2000

// partyIDRegex validates party and admin identifiers. Identity is handled
// upstream; this only rejects garbage that would pollute logs and indexes.
var partyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:@-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID checks if a string is an acceptable party identifier.
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// IsValidAmount checks if a value is a positive decimal amount with at most
// one decimal point.
func IsValidAmount(value string) bool {
	if value == "" {
		return false
	}
	decimalCount := 0
	hasNonZero := false
	for i, c := range value {
		if c == '.' {
			decimalCount++
			if decimalCount > 1 {
				return false
			}
			if i == 0 || i == len(value)-1 {
				return false
			}
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			hasNonZero = true
		}
	}
	return hasNonZero
}

// SanitizeString removes dangerous characters and limits length. Truncation
// is by bytes but never splits a multi-byte rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
