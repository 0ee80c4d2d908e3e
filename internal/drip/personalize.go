package drip

import (
	"regexp"
	"strings"
)

// Vars are the substitution values available to drip message templates.
type Vars struct {
	First    string
	Name     string
	Phone    string
	Email    string
	Campaign string
}

var placeholderPatterns = map[string]*regexp.Regexp{
	"first":    regexp.MustCompile(`(?i)(\[first\]|\{first\})`),
	"name":     regexp.MustCompile(`(?i)(\[name\]|\{name\})`),
	"phone":    regexp.MustCompile(`(?i)(\[phone\]|\{phone\})`),
	"email":    regexp.MustCompile(`(?i)(\[email\]|\{email\})`),
	"campaign": regexp.MustCompile(`(?i)(\[campaign\]|\{campaign\})`),
}

// Personalize applies case-insensitive variable substitution on the square-
// and curly-brace placeholder variants and trims the result.
func Personalize(body string, vars Vars) string {
	values := map[string]string{
		"first":    vars.First,
		"name":     vars.Name,
		"phone":    vars.Phone,
		"email":    vars.Email,
		"campaign": vars.Campaign,
	}
	for key, pattern := range placeholderPatterns {
		body = pattern.ReplaceAllLiteralString(body, values[key])
	}
	return strings.TrimSpace(body)
}
