// Package idnorm bridges identifier spellings between the static schedule and the
// realtime feed. Every function is pure and safe for concurrent use.
package idnorm

import (
	"regexp"
	"strings"
)

var (
	leadingHashPrefix = regexp.MustCompile(`^\d+#`)
	trailingNumSuffix = regexp.MustCompile(`[_:]\d+$`)
	serviceDateSuffix = regexp.MustCompile(`[-_:]\d{8}$`)

	// "R4-77626-PLATF.(1)" -> "R4"
	labelLineCode = regexp.MustCompile(`^(R\d+[NS]?|RG\d+|RL\d+|RT\d+)`)
)

// shortPrefixMaxColon is the highest index at which a colon still marks an agency prefix
const shortPrefixMaxColon = 5

// minDigitsVariant is the shortest digits-only form worth matching on
const minDigitsVariant = 4

// NormalizeStopKey reduces a raw stop id to its canonical key, or "" for blank input.
// Stripping repeats until nothing changes, which makes the function idempotent.
func NormalizeStopKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}

	for {
		next := stripStopOnce(key)
		if next == key {
			return key
		}
		key = next
	}
}

// stripStopOnce applies each stop rule once. A rule that would leave nothing is skipped.
func stripStopOnce(key string) string {
	if strings.HasPrefix(strings.ToLower(key), "stop:") {
		if rest := strings.TrimSpace(key[len("stop:"):]); rest != "" {
			return rest
		}
	}
	if i := strings.IndexByte(key, ':'); i >= 0 && i <= shortPrefixMaxColon {
		if rest := strings.TrimSpace(key[i+1:]); rest != "" {
			return rest
		}
	}
	if loc := leadingHashPrefix.FindStringIndex(key); loc != nil && loc[1] < len(key) {
		if rest := strings.TrimSpace(key[loc[1]:]); rest != "" {
			return rest
		}
	}
	if loc := trailingNumSuffix.FindStringIndex(key); loc != nil && loc[0] > 0 {
		if rest := strings.TrimSpace(key[:loc[0]]); rest != "" {
			return rest
		}
	}
	return key
}

// StopIDVariants returns the plausible spellings of a stop id, trimmed input first.
func StopIDVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{trimmed}
	}
	var vs variantSet
	vs.add(trimmed)

	key := NormalizeStopKey(trimmed)
	vs.add(key)
	if d := digitsOnly(trimmed); len(d) >= minDigitsVariant {
		vs.add(d)
	}
	if d := digitsOnly(key); len(d) >= minDigitsVariant {
		vs.add(d)
	}
	return vs.list()
}

// RouteIDVariants returns the raw route id, its uppercase form and, for "route:" ids,
// the bare suffix in both cases. Blank input yields nil.
func RouteIDVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var vs variantSet
	vs.add(trimmed)
	vs.add(strings.ToUpper(trimmed))
	if strings.HasPrefix(strings.ToLower(trimmed), "route:") {
		if bare := strings.TrimSpace(trimmed[len("route:"):]); bare != "" {
			vs.add(bare)
			vs.add(strings.ToUpper(bare))
		}
	}
	return vs.list()
}

// LineCodeFromLabel extracts the line code a vehicle label starts with, or "" when
// the label carries none.
func LineCodeFromLabel(label string) string {
	return labelLineCode.FindString(strings.ToUpper(strings.TrimSpace(label)))
}

// RoutesMatch reports whether two route ids share a spelling
func RoutesMatch(a, b string) bool {
	return intersects(RouteIDVariants(a), RouteIDVariants(b))
}

// NormalizeTripKey trims, drops "trip:" prefixes and uppercases a trip id.
// Returns "" for blank input.
func NormalizeTripKey(raw string) string {
	return strings.ToUpper(StripTripPrefix(raw))
}

// StripTripPrefix trims and drops "trip:" prefixes, keeping the case of the rest
func StripTripPrefix(raw string) string {
	key := strings.TrimSpace(raw)
	for strings.HasPrefix(strings.ToLower(key), "trip:") {
		key = strings.TrimSpace(key[len("trip:"):])
	}
	return key
}

// TripIDVariants returns the spellings under which a trip id may appear in the other
// source. The result always contains id itself.
func TripIDVariants(id string) []string {
	if id == "" {
		return []string{id}
	}
	var vs variantSet
	vs.add(id)
	vs.add(strings.TrimSpace(id))

	key := NormalizeTripKey(id)
	if key == "" {
		return vs.list()
	}
	vs.add(key)

	base := key
	if loc := serviceDateSuffix.FindStringIndex(key); loc != nil && loc[0] > 0 {
		base = key[:loc[0]]
		vs.add(base)
	}
	if i := strings.LastIndexAny(base, "_:"); i >= 0 && len(base)-i-1 >= minDigitsVariant {
		vs.add(base[i+1:])
	}
	return vs.list()
}

// TripIDsMatch reports whether two raw trip ids refer to the same trip
func TripIDsMatch(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	return intersects(TripIDVariants(a), TripIDVariants(b))
}

// TripIndexKeys returns the normalized keys a trip id is indexed under
func TripIndexKeys(id string) []string {
	var vs variantSet
	for _, v := range TripIDVariants(id) {
		vs.add(NormalizeTripKey(v))
	}
	return vs.list()
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// variantSet keeps insertion order and drops blanks and duplicates
type variantSet struct {
	items []string
}

func (v *variantSet) add(s string) {
	if s == "" {
		return
	}
	for _, existing := range v.items {
		if existing == s {
			return
		}
	}
	v.items = append(v.items, s)
}

func (v *variantSet) list() []string {
	return v.items
}
