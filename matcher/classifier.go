// Package matcher associates marketplace settlement lines with ERP orders
// when no authoritative foreign key exists. Matching runs in descending
// confidence stages and never guesses: an ambiguous candidate set is logged
// and left unresolved for manual review.
package matcher

import (
	"regexp"
	"strings"
)

// Classification is the tagged result of identifier shape sniffing. Known is
// false when no rule recognizes the identifier; Channel is only meaningful
// when Known is true.
type Classification struct {
	Known   bool
	Channel string
}

// classifierRule maps an identifier shape to its originating channel. Rules
// are data so a new channel format is one table entry, not new branching.
// requireLetter compensates for the regexp package's lack of lookahead.
type classifierRule struct {
	channel       string
	pattern       *regexp.Regexp
	requireLetter bool
}

// Channels disagree on identifier length and alphabet:
// shopmall issues purely numeric ids of 12 to 14 digits, bazarly prefixes
// BZ- followed by 8 to 10 uppercase alphanumerics, vendora issues 10
// character uppercase alphanumerics containing at least one letter.
var classifierRules = []classifierRule{
	{channel: "shopmall", pattern: regexp.MustCompile(`^\d{12,14}$`)},
	{channel: "bazarly", pattern: regexp.MustCompile(`^BZ-[A-Z0-9]{8,10}$`)},
	{channel: "vendora", pattern: regexp.MustCompile(`^[A-Z0-9]{10}$`), requireLetter: true},
}

var anyLetter = regexp.MustCompile(`[A-Z]`)

// Classify infers the originating channel of a marketplace identifier from
// its shape. The match must be unique: an identifier satisfying more than one
// rule stays Unknown rather than being guessed.
func Classify(externalID string) Classification {
	id := strings.ToUpper(strings.TrimSpace(externalID))
	if id == "" {
		return Classification{}
	}

	var matched []string
	for _, rule := range classifierRules {
		if !rule.pattern.MatchString(id) {
			continue
		}
		if rule.requireLetter && !anyLetter.MatchString(id) {
			continue
		}
		matched = append(matched, rule.channel)
	}
	if len(matched) != 1 {
		return Classification{}
	}
	return Classification{Known: true, Channel: matched[0]}
}

// channelPrefixes are stripped during normalization so "BZ-ABC123XY" and
// "ABC123XY" compare equal on the bazarly channel.
var channelPrefixes = map[string]string{
	"bazarly": "BZ-",
}

// Normalize canonicalizes an identifier for comparison within one channel:
// uppercase, surrounding whitespace dropped, the channel prefix and
// separator dashes removed.
func Normalize(channel, id string) string {
	n := strings.ToUpper(strings.TrimSpace(id))
	if prefix, ok := channelPrefixes[channel]; ok {
		n = strings.TrimPrefix(n, prefix)
	}
	n = strings.ReplaceAll(n, "-", "")
	n = strings.ReplaceAll(n, " ", "")
	return n
}

// adjustmentSuffixes mark settlement lines that correct an earlier base
// settlement. Ordering matters only for the strip; first match wins.
var adjustmentSuffixes = []string{"_AJUSTE", "-AJUSTE", "_ADJ", "-ADJ"}

// BaseExternalID strips a recognized adjustment suffix and reports whether
// one was present. "X123_AJUSTE" yields ("X123", true).
func BaseExternalID(externalID string) (string, bool) {
	id := strings.TrimSpace(externalID)
	upper := strings.ToUpper(id)
	for _, suffix := range adjustmentSuffixes {
		if strings.HasSuffix(upper, suffix) && len(id) > len(suffix) {
			return id[:len(id)-len(suffix)], true
		}
	}
	return id, false
}
