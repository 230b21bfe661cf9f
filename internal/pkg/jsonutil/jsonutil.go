package jsonutil

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// errorPaths are checked in order when extracting a human-readable message
// from an error body. Auth, data-store and function payloads disagree on the
// field name.
var errorPaths = []string{
	"error_description",
	"msg",
	"message",
	"error.message",
	"error",
	"details",
	"hint",
}

// ErrorMessage returns the first non-empty message found in a JSON error
// body, or "" when raw is not JSON or carries no message.
func ErrorMessage(raw []byte) string {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ""
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return ""
	}
	for _, path := range errorPaths {
		v := root.Get(path)
		if !v.Exists() || v.IsObject() || v.IsArray() {
			continue
		}
		if msg := strings.TrimSpace(v.String()); msg != "" {
			return msg
		}
	}
	return ""
}

// Float reads a number that may be encoded as a JSON number or a numeric string.
func Float(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FirstString returns the first non-empty string among the given paths.
func FirstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(v.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

// Preview shortens a body for debug logs.
func Preview(raw []byte, max int) string {
	s := strings.TrimSpace(string(raw))
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
