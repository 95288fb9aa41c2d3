package api

import (
	"net/netip"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for identifiers (usernames, account IDs).
const maxNameLen = 200

// maxHostLen is the maximum length for realms and hostnames.
const maxHostLen = 253

// maxPasswordLen is the maximum length for passwords.
const maxPasswordLen = 256

// maxRouteLen is the maximum length of one outbound route.
const maxRouteLen = 2048

// maxRoutes is the most routes an account may carry.
const maxRoutes = 16

// userRe matches a SIP user part without escapes.
var userRe = regexp.MustCompile(`^[A-Za-z0-9_.!~*'()&=+$,;?/\-]+$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateSIPUser checks a SIP user part.
func validateSIPUser(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxNameLen); msg != "" {
		return msg
	}
	if !userRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateRealm checks that a realm looks like a hostname or IP.
func validateRealm(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxHostLen); msg != "" {
		return msg
	}
	if _, err := netip.ParseAddr(value); err == nil {
		return ""
	}
	if strings.ContainsAny(value, " \t\r\n@:;/") {
		return field + " is not a valid host"
	}
	return ""
}

// validateRoutes checks an account's outbound routes. A route is a SIP URI,
// a user@host or a bare number sent through the outbound proxy.
func validateRoutes(field string, routes []string) string {
	if len(routes) > maxRoutes {
		return field + " has too many entries"
	}
	for _, r := range routes {
		if r == "" || utf8.RuneCountInString(r) > maxRouteLen {
			return field + " entries must be non-empty and at most 2048 characters"
		}
		if containsControlChars(r) || strings.ContainsAny(r, " \t") {
			return field + " entries must not contain whitespace"
		}
	}
	return ""
}

// containsControlChars reports whether s has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
