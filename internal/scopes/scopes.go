// Package scopes parses and narrows OAuth scope strings. Scopes are
// opaque to the issuer; the only rule applied is intersection with what
// the flow authorized.
package scopes

import "strings"

// Parse splits a space-delimited scope string. Empty input yields nil.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Narrow intersects requested scopes with authorized scopes, preserving
// the requested order. A nil authorized set means the flow carries no
// scope restriction and nil is returned. A nil requested set grants
// everything that was authorized.
func Narrow(requested, authorized []string) []string {
	if authorized == nil {
		return nil
	}
	if requested == nil {
		return authorized
	}

	allowed := make(map[string]struct{}, len(authorized))
	for _, s := range authorized {
		allowed[s] = struct{}{}
	}

	narrowed := []string{}
	for _, s := range requested {
		if _, ok := allowed[s]; ok {
			narrowed = append(narrowed, s)
		}
	}
	return narrowed
}

// Join renders scopes back into the wire form.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}
