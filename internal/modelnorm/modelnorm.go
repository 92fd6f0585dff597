// Package modelnorm normalizes model identifiers across providers.
//
// Providers expose the same underlying model under wildly different names
// ("gpt-4o", "openai/gpt-4o", "models/gpt-4o-2024-08-06", "gpt-4o-latest").
// Normalization strips vendor prefixes, date tags, and variant suffixes so
// that routing can treat them as one family and pick the best-versioned
// canonical form.
package modelnorm

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	prefixRe      = regexp.MustCompile(`(?i)^(models|model|m)/`)
	separatorRe   = regexp.MustCompile(`[-_\s:]+`)
	versionRe     = regexp.MustCompile(`^v?(\d+(?:\.\d+)+|\d+)$`)
	longNumericRe = regexp.MustCompile(`^\d{4,}$`)
)

// variantTokens are suffix tokens that distinguish serving tiers of the same
// model family rather than the family itself. They are dropped from both the
// canonical and family forms.
var variantTokens = map[string]struct{}{
	"latest": {}, "default": {}, "stable": {}, "fast": {}, "turbo": {},
	"slow": {}, "high": {}, "low": {}, "medium": {}, "mini": {}, "lite": {},
	"light": {}, "pro": {}, "ultra": {}, "think": {}, "thinking": {},
	"instruct": {}, "chat": {}, "online": {}, "beta": {}, "preview": {},
	"docs": {}, "free": {}, "max": {}, "xhigh": {},
}

// Normalized is the decomposition of a raw model identifier.
type Normalized struct {
	Raw          string // original input
	Cleaned      string // lowercased, prefix-stripped
	Canonical    string // family plus version tokens, dash-joined
	FamilyKey    string // family tokens only, dash-joined
	VersionParts []int  // first version token found, e.g. [1, 5] for "v1.5"
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ParseVersion parses a version token ("4", "v1.5", "3.5.1") into its numeric
// parts. It returns nil when the token is not a version.
func ParseVersion(token string) []int {
	m := versionRe.FindStringSubmatch(token)
	if m == nil {
		return nil
	}
	fields := strings.Split(m[1], ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil
		}
		parts[i] = n
	}
	return parts
}

// CompareVersions compares two version part slices element-wise, treating
// missing trailing parts as zero. It returns a negative number when a < b,
// zero when equal, positive when a > b.
func CompareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := range n {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

// Normalize decomposes a raw model identifier.
//
// Pipeline: trim and lowercase, strip a leading "models/"/"model/"/"m/"
// prefix, drop everything before the last "/" (vendor namespace), split on
// separators, then classify each token. Long numeric tokens (4+ digits,
// date tags like 20240806) are discarded, along with shorter numeric tokens
// that continue them ("2024-05-13"). Version tokens join the canonical
// form only; variant tokens join neither; all other tokens join both the
// canonical and family forms. Empty results fall back to the vendor-stripped
// string so no input normalizes to "".
func Normalize(raw string) Normalized {
	cleaned := strings.ToLower(prefixRe.ReplaceAllString(strings.TrimSpace(raw), ""))

	withoutVendor := cleaned
	if idx := strings.LastIndexByte(cleaned, '/'); idx >= 0 {
		if tail := cleaned[idx+1:]; tail != "" {
			withoutVendor = tail
		}
	}

	var (
		versionParts    []int
		canonicalTokens []string
		familyTokens    []string
	)

	inDateTag := false
	for _, token := range separatorRe.Split(withoutVendor, -1) {
		if token == "" {
			continue
		}
		// A 4+ digit run is a date or build tag. Shorter numeric runs right
		// after it ("2024-05-13") are the rest of the same tag.
		if longNumericRe.MatchString(token) {
			inDateTag = true
			continue
		}
		if inDateTag && allDigits(token) {
			continue
		}
		inDateTag = false
		if v := ParseVersion(token); v != nil {
			if versionParts == nil {
				versionParts = v
			}
			canonicalTokens = append(canonicalTokens, token)
			continue
		}
		if _, ok := variantTokens[token]; ok {
			continue
		}
		canonicalTokens = append(canonicalTokens, token)
		familyTokens = append(familyTokens, token)
	}

	canonical := strings.Join(canonicalTokens, "-")
	if canonical == "" {
		canonical = withoutVendor
	}
	familyKey := strings.Join(familyTokens, "-")
	if familyKey == "" {
		familyKey = withoutVendor
	}

	return Normalized{
		Raw:          raw,
		Cleaned:      cleaned,
		Canonical:    canonical,
		FamilyKey:    familyKey,
		VersionParts: versionParts,
	}
}
