package inbound

import "strings"

// Carrier-standard compliance keywords. Matching is exact on the trimmed,
// lowercased body; "please stop" is a conversation, not an opt-out.
var optOutKeywords = map[string]bool{
	"stop":        true,
	"unsubscribe": true,
	"cancel":      true,
	"end":         true,
	"quit":        true,
	"stopall":     true,
}

var optInKeywords = map[string]bool{
	"start":     true,
	"unstop":    true,
	"subscribe": true,
	"yes":       true,
}

func IsOptOut(body string) bool {
	return optOutKeywords[strings.ToLower(strings.TrimSpace(body))]
}

func IsOptIn(body string) bool {
	return optInKeywords[strings.ToLower(strings.TrimSpace(body))]
}
