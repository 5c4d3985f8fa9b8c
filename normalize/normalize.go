// Package normalize converts raw identity fields into canonical comparison
// keys. All functions are pure: the same input always yields the same output
// and nothing is mutated. Optional fields (phone, email, APN) treat empty
// input as empty output rather than an error.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidFormat signals an input field that cannot be normalized.
var ErrInvalidFormat = errors.New("normalize: invalid format")

// streetReplacements standardizes street-type, unit and directional words.
// Applied in order so that longer forms win before their substrings.
var streetReplacements = []struct{ from, to string }{
	{" STREET", " ST"},
	{" AVENUE", " AVE"},
	{" BOULEVARD", " BLVD"},
	{" DRIVE", " DR"},
	{" LANE", " LN"},
	{" ROAD", " RD"},
	{" COURT", " CT"},
	{" CIRCLE", " CIR"},
	{" PLACE", " PL"},
	{" APARTMENT", " APT"},
	{" SUITE", " STE"},
	{" NORTHEAST", " NE"},
	{" NORTHWEST", " NW"},
	{" SOUTHEAST", " SE"},
	{" SOUTHWEST", " SW"},
	{" NORTH ", " N "},
	{" SOUTH ", " S "},
	{" EAST ", " E "},
	{" WEST ", " W "},
	{" #", " UNIT "},
	{"APT.", "APT"},
	{"STE.", "STE"},
}

// Street canonicalizes a street line: uppercase, standard abbreviations,
// punctuation stripped, whitespace collapsed.
//
//	"123 Main Street, Apt. 4" -> "123 MAIN ST APT 4"
//	"456 Oak Avenue"          -> "456 OAK AVE"
func Street(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("normalize: street required: %w", ErrInvalidFormat)
	}

	// Pad so directional replacements match at the end of the line too.
	s = " " + s + " "
	for _, r := range streetReplacements {
		s = strings.ReplaceAll(s, r.from, r.to)
	}

	s = strings.NewReplacer(".", "", ",", "").Replace(s)
	return strings.Join(strings.Fields(s), " "), nil
}

// City uppercases and collapses whitespace.
func City(raw string) (string, error) {
	c := strings.Join(strings.Fields(strings.ToUpper(raw)), " ")
	if c == "" {
		return "", fmt.Errorf("normalize: city required: %w", ErrInvalidFormat)
	}
	return c, nil
}

// State canonicalizes a two-letter state code.
func State(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) != 2 {
		return "", fmt.Errorf("normalize: state must be a two-letter code: %w", ErrInvalidFormat)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("normalize: state must be a two-letter code: %w", ErrInvalidFormat)
		}
	}
	return s, nil
}

// Zip keeps the first five digits of a ZIP code, dropping any +4 suffix.
//
//	"90210-1234" -> "90210"
func Zip(raw string) (string, error) {
	digits := keepFunc(raw, unicode.IsDigit)
	if len(digits) < 5 {
		return "", fmt.Errorf("normalize: zip must contain five digits: %w", ErrInvalidFormat)
	}
	return digits[:5], nil
}

// Phone reduces a phone number to exactly ten digits, stripping a leading US
// country digit. Empty input is allowed and yields an empty key.
//
//	"(555) 123-4567"  -> "5551234567"
//	"+1 555 123 4567" -> "5551234567"
func Phone(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	digits := keepFunc(raw, unicode.IsDigit)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", fmt.Errorf("normalize: phone must have ten digits: %w", ErrInvalidFormat)
	}
	return digits, nil
}

// Email lowercases and trims, then checks for a single "@" separating
// non-empty local and domain parts. Empty input yields an empty key.
func Email(raw string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(raw))
	if e == "" {
		return "", nil
	}

	local, domain, ok := strings.Cut(e, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("normalize: malformed email: %w", ErrInvalidFormat)
	}
	return e, nil
}

// APN strips non-alphanumeric characters and uppercases. APN is optional;
// empty input yields an empty key and is excluded from matching.
func APN(raw string) (string, error) {
	a := keepFunc(strings.ToUpper(raw), func(r rune) bool {
		return unicode.IsDigit(r) || (r >= 'A' && r <= 'Z')
	})
	return a, nil
}

func keepFunc(s string, keep func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
