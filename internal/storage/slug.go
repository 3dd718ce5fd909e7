package storage

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var slugCaser = cases.Lower(language.Und)

// slugify converts a channel name into a URL and filesystem safe slug.
func slugify(name string) string {
	lowered := slugCaser.String(strings.TrimSpace(name))
	var builder strings.Builder
	lastDash := true
	for _, r := range lowered {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r):
			builder.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				builder.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(builder.String(), "-")
	if slug == "" {
		slug = "channel"
	}
	return slug
}

// uniqueSlug appends a numeric suffix until the slug is unused. taken reports
// whether a candidate slug is already assigned.
func uniqueSlug(name string, taken func(string) bool) string {
	base := slugify(name)
	slug := base
	for i := 2; taken(slug); i++ {
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return slug
}
