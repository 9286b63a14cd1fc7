package website

import (
	"strings"
	"unicode"
)

// boilerplate holds lowercase page-chrome phrases that never name a game.
var boilerplate = map[string]struct{}{
	"home":                {},
	"menu":                {},
	"about":               {},
	"about us":            {},
	"contact":             {},
	"contact us":          {},
	"news":                {},
	"events":              {},
	"blog":                {},
	"faq":                 {},
	"opening hours":       {},
	"reservations":        {},
	"book a table":        {},
	"gift cards":          {},
	"privacy policy":      {},
	"cookie policy":       {},
	"terms of use":        {},
	"follow us":           {},
	"newsletter":          {},
	"our games":           {},
	"game library":        {},
	"new arrivals":        {},
	"coming soon":         {},
	"read more":           {},
	"learn more":          {},
	"all rights reserved": {},
}

const (
	minNameLen   = 2
	maxNameLen   = 80
	maxNameWords = 10
)

// PlausibleName reports whether a text fragment scraped from a venue page
// could plausibly be a game title. It is a pure predicate so the extraction
// pipeline stays testable without any fetching.
func PlausibleName(text string) bool {
	name := strings.Join(strings.Fields(text), " ")
	if len(name) < minNameLen || len(name) > maxNameLen {
		return false
	}
	if _, skip := boilerplate[strings.ToLower(name)]; skip {
		return false
	}
	if len(strings.Fields(name)) > maxNameWords {
		return false
	}

	var letters, digits, currency int
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case r == '€' || r == '$' || r == '£':
			currency++
		}
	}
	if letters == 0 {
		return false
	}
	// Price lines ("€ 4,50") and SKU-like fragments carry more digits or
	// currency marks than letters.
	if currency > 0 && letters <= digits+currency {
		return false
	}
	if digits > letters {
		return false
	}
	return true
}
