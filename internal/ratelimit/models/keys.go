package models

import "strings"

// SanitizeKeySegment escapes ':' so a crafted client identifier cannot land
// in another client's window.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// Key builds the window key for op and client, e.g. "login:203.0.113.9".
func Key(op, client string) string {
	return op + ":" + SanitizeKeySegment(client)
}
