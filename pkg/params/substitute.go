package params

import (
	"regexp"
	"strings"
)

// Substitutor fills placeholders in a configured value from a record's
// attribute set.
type Substitutor interface {
	Substitute(template string, attrs map[string]string) string
	HasPlaceholders(template string) bool
}

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]*)\}`)

// PlaceholderSubstitutor replaces every ${name} token with the value of
// attribute name, or with the empty string when the attribute is unset.
type PlaceholderSubstitutor struct{}

func (PlaceholderSubstitutor) Substitute(template string, attrs map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := strings.TrimSpace(token[2 : len(token)-1])
		return attrs[name]
	})
}

func (PlaceholderSubstitutor) HasPlaceholders(template string) bool {
	return placeholderPattern.MatchString(template)
}
