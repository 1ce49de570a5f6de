package arrivals

import "strings"

// minFuzzyVariant keeps short variants from matching half the index
const minFuzzyVariant = 4

// fuzzyMatchKey scans keys (sorted) for one that ends with a variant, then for one that
// contains a variant. It is a last resort for feeds that publish partial trip ids and the
// main source of false positives, so callers only reach it after every exact variant missed.
func fuzzyMatchKey(keys []string, variants []string) (string, bool) {
	usable := make([]string, 0, len(variants))
	for _, v := range variants {
		if len(v) >= minFuzzyVariant {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return "", false
	}

	for _, match := range []func(string, string) bool{strings.HasSuffix, strings.Contains} {
		for _, key := range keys {
			for _, v := range usable {
				if match(key, v) {
					return key, true
				}
			}
		}
	}
	return "", false
}
