// Package phone turns provider and upload phone formats into comparable keys.
package phone

import (
	"strings"
	"unicode"
)

// Normalizer maps a raw phone string to one candidate form. An empty result
// means the normalizer has nothing to offer for that input.
type Normalizer func(raw string) string

// Chain is an ordered list of normalizers, highest priority first.
type Chain []Normalizer

// NewChain returns the default chain: local-stripped, fully-stripped, raw.
func NewChain(countryCodes []string, localMinDigits int) Chain {
	return Chain{
		LocalStripped(countryCodes, localMinDigits),
		FullyStripped,
		Raw,
	}
}

// Variants applies every normalizer and drops empty and repeated forms.
func (c Chain) Variants(raw string) []string {
	variants := make([]string, 0, len(c))
	seen := make(map[string]struct{}, len(c))

	for _, normalize := range c {
		variant := normalize(raw)
		if variant == "" {
			continue
		}

		if _, ok := seen[variant]; ok {
			continue
		}

		seen[variant] = struct{}{}
		variants = append(variants, variant)
	}

	return variants
}

// Key returns the highest priority variant, used as the stored comparison key.
func (c Chain) Key(raw string) string {
	variants := c.Variants(raw)
	if len(variants) == 0 {
		return ""
	}

	return variants[0]
}

func Raw(raw string) string {
	return strings.TrimSpace(raw)
}

func FullyStripped(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}

		return -1
	}, raw)
}

// LocalStripped removes a leading country code or trunk zero when the rest
// still has at least localMinDigits digits.
func LocalStripped(countryCodes []string, localMinDigits int) Normalizer {
	return func(raw string) string {
		digits := FullyStripped(raw)

		for _, code := range countryCodes {
			rest, ok := strings.CutPrefix(digits, code)
			if ok && len(rest) >= localMinDigits {
				return rest
			}
		}

		rest, ok := strings.CutPrefix(digits, "0")
		if ok && len(rest) >= localMinDigits {
			return rest
		}

		return digits
	}
}

// ToE164 formats a stored phone for dialing. Numbers already carrying a
// leading plus or international 00 prefix keep their own country code.
func ToE164(raw, defaultCountryCode string, localMinDigits int) string {
	trimmed := strings.TrimSpace(raw)
	digits := FullyStripped(trimmed)

	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(trimmed, "+"):
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		return "+" + digits[2:]
	case defaultCountryCode == "":
		return "+" + digits
	}

	local := LocalStripped([]string{defaultCountryCode}, localMinDigits)(digits)

	return "+" + defaultCountryCode + local
}
