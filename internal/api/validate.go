package api

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (backend names, selector names).
const maxNameLen = 200

// maxPasswordLen is the maximum length for passwords and secrets.
const maxPasswordLen = 256

// maxHostLen is the maximum length for hostnames/IP addresses.
const maxHostLen = 253

// handleRe validates dialable handles: digits, +, *, # up to 32 chars.
var handleRe = regexp.MustCompile(`^[0-9+*#]{1,32}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHandle checks that a dialable handle has the expected shape.
func validateHandle(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !handleRe.MatchString(value) {
		return field + " must contain only digits, +, * or # (max 32)"
	}
	return ""
}

// validateHandlePrefix checks an optional handle prefix.
func validateHandlePrefix(field, value string) string {
	if value == "" {
		return ""
	}
	if !handleRe.MatchString(value) {
		return field + " must contain only digits, +, * or # (max 32)"
	}
	return ""
}

// validateHostPort checks that a string is a host:port pair with a valid
// hostname or IP.
func validateHostPort(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return field + " must be a host:port pair"
	}
	if port == "" {
		return field + " must include a port"
	}
	if len(host) > maxHostLen {
		return field + " exceeds maximum length"
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	if strings.ContainsAny(host, " \t\n\r") {
		return field + " contains invalid characters"
	}
	return ""
}

// validateIntRange checks that an optional int pointer is within [min, max].
func validateIntRange(field string, value *int, min, max int) string {
	if value == nil {
		return ""
	}
	if *value < min || *value > max {
		return field + " must be between " + intToStr(min) + " and " + intToStr(max)
	}
	return ""
}

func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intToStr(-n)
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
