package tenants

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	digits := phoneDigitsRe.FindAllString(value, -1)
	return strings.Join(digits, "")
}

// NumberVariants returns the forms a caller number may be stored under.
// Providers deliver the callee number inconsistently (bare national
// digits, trunk-prefixed, country-prefixed, E.164), so a lookup has to
// try all of them.
func NumberVariants(raw string) []string {
	digits := sanitizePhone(raw)
	if digits == "" {
		return nil
	}

	seen := make(map[string]struct{}, 6)
	variants := make([]string, 0, 6)
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}

	add(strings.TrimSpace(raw))
	add(digits)
	if len(digits) > 10 {
		add(digits[len(digits)-10:])
	}
	if len(digits) >= 10 {
		national := digits[len(digits)-10:]
		add("0" + national)
		add("91" + national)
		add("+91" + national)
	}
	return variants
}
