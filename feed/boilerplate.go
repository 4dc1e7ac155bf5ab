package feed

import "strings"

// Newsletter feeds often wrap every summary in the same promotional text.
// When a supermajority of items in one document share a long prefix or
// suffix, it is boilerplate, not content, and gets removed before
// truncation. The pass is idempotent: the detected prefix/suffix is snapped
// to a word boundary, so a second run finds nothing long enough to remove.

// boilerplateMinLen is the minimum length, in runes, for a shared prefix or
// suffix to count as boilerplate rather than coincidence.
const boilerplateMinLen = 20

// supermajority is the fraction of items which must share the prefix/suffix.
const supermajority = 0.8

// trimBoilerplate removes common prefix/suffix boilerplate from a batch of
// stripped summaries. Items that don't carry the detected boilerplate are
// left unchanged. Needs at least two items to have anything to compare.
func trimBoilerplate(summaries []string) []string {
	if len(summaries) < 2 {
		return summaries
	}

	out := summaries
	if prefix := majorityPrefix(out); len([]rune(prefix)) >= boilerplateMinLen {
		trimmed := make([]string, len(out))
		for i, s := range out {
			if strings.HasPrefix(s, prefix) {
				trimmed[i] = strings.TrimLeft(s[len(prefix):], " \t\r\n")
			} else {
				trimmed[i] = s
			}
		}
		out = trimmed
	}

	if suffix := majoritySuffix(out); len([]rune(suffix)) >= boilerplateMinLen {
		trimmed := make([]string, len(out))
		for i, s := range out {
			if strings.HasSuffix(s, suffix) {
				trimmed[i] = strings.TrimRight(s[:len(s)-len(suffix)], " \t\r\n")
			} else {
				trimmed[i] = s
			}
		}
		out = trimmed
	}

	return out
}

func shareThreshold(n int) int {
	threshold := int(float64(n) * supermajority)
	if threshold < 2 {
		threshold = 2
	}
	return threshold
}

// majorityPrefix finds the longest prefix shared by a supermajority of the
// strings, snapped back to the last intra-prefix space so words stay whole.
// Every string is tried as a seed; any qualifying prefix must be a prefix of
// one of them.
func majorityPrefix(strs []string) string {
	threshold := shareThreshold(len(strs))

	longest := ""
	for _, seed := range strs {
		// Shrink a rune at a time until enough strings match.
		candidate := []rune(seed)
		for len(candidate) > 0 {
			matches := 0
			for _, s := range strs {
				if strings.HasPrefix(s, string(candidate)) {
					matches++
				}
			}
			if matches >= threshold {
				break
			}
			candidate = candidate[:len(candidate)-1]
		}
		if len(string(candidate)) > len(longest) {
			longest = string(candidate)
		}
	}
	if longest == "" {
		return ""
	}
	lastSpace := strings.LastIndex(longest, " ")
	if lastSpace < 0 {
		return ""
	}
	return longest[:lastSpace+1]
}

// majoritySuffix is the mirror image: longest shared suffix, snapped forward
// to the first intra-suffix space.
func majoritySuffix(strs []string) string {
	threshold := shareThreshold(len(strs))

	longest := ""
	for _, seed := range strs {
		candidate := []rune(seed)
		for len(candidate) > 0 {
			matches := 0
			for _, s := range strs {
				if strings.HasSuffix(s, string(candidate)) {
					matches++
				}
			}
			if matches >= threshold {
				break
			}
			candidate = candidate[1:]
		}
		if len(string(candidate)) > len(longest) {
			longest = string(candidate)
		}
	}
	if longest == "" {
		return ""
	}
	firstSpace := strings.Index(longest, " ")
	if firstSpace < 0 {
		return ""
	}
	return longest[firstSpace+1:]
}
