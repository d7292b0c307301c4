package address

import "strings"

// Normalize turns a national number ("030...") into international form
// ("+4930...") for the given country code. Other input is returned with
// separators stripped.
func Normalize(number, countryCode string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	n := b.String()

	switch {
	case strings.HasPrefix(n, "00"):
		return "+" + n[2:]
	case strings.HasPrefix(n, "0") && countryCode != "":
		return "+" + strings.TrimPrefix(countryCode, "+") + n[1:]
	}
	return n
}

// OrganizationPrefix drops the last suffixDigits digits, leaving the part
// of a number shared by every extension of the same organization.
func OrganizationPrefix(number string, suffixDigits int) string {
	if suffixDigits <= 0 || len(number) <= suffixDigits {
		return number
	}
	return number[:len(number)-suffixDigits]
}

// BestMatch returns the candidate owning the phone number that shares the
// longest common prefix with caller. Ties keep the earlier candidate.
func BestMatch(caller string, candidates []Info) (Info, bool) {
	best, bestLen := -1, -1
	for i, c := range candidates {
		for _, n := range c.PhoneNumbers {
			if l := commonPrefixLen(caller, n); l > bestLen {
				best, bestLen = i, l
			}
		}
	}
	if best < 0 {
		if len(candidates) > 0 {
			return candidates[0], true
		}
		return Info{}, false
	}
	return candidates[best], true
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
