package recon

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a locale-formatted monetary string into a decimal.
// It accepts plain forms ("1234.56"), US grouping ("1,234.56"), and European
// grouping ("1.234,56" / "1 234,56"). A single separator followed by exactly
// three digits is ambiguous between grouping and a milli-precision decimal,
// so it fails instead of guessing.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	// Space and apostrophe only ever group thousands.
	s = strings.NewReplacer(" ", "", " ", "", "'", "").Replace(s)
	if s == "" {
		return decimal.Zero, errors.New("no digits in amount")
	}

	canonical, err := canonicalizeSeparators(s)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Zero, errors.New("not a number")
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

func canonicalizeSeparators(s string) (string, error) {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots == 0 && commas == 0:
		return s, nil
	case dots > 0 && commas > 0:
		// Both present: the rightmost separator is the decimal point.
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			return strings.ReplaceAll(s, ",", ""), nil
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1), nil
	case commas > 0:
		return resolveSingleSeparator(s, ',')
	default:
		return resolveSingleSeparator(s, '.')
	}
}

// resolveSingleSeparator handles a string with only one kind of separator.
func resolveSingleSeparator(s string, sep rune) (string, error) {
	parts := strings.Split(s, string(sep))
	if hasEmptyGroup(parts) {
		return "", errors.New("misplaced separator")
	}
	if len(parts) > 2 {
		// More than one occurrence can only be thousands grouping.
		for _, g := range parts[1:] {
			if len(g) != 3 {
				return "", errors.New("inconsistent digit grouping")
			}
		}
		return strings.Join(parts, ""), nil
	}
	frac := parts[1]
	head := parts[0]
	if len(frac) == 3 {
		// "1.234" could be one-thousand-234 or 1.234; refuse to guess unless
		// the integer part rules grouping out (a leading 0, or >3 digits).
		if head == "0" || len(head) > 3 {
			return head + "." + frac, nil
		}
		return "", errors.New("ambiguous separator")
	}
	// 1-2 fraction digits is a decimal separator for either character;
	// more than 3 digits cannot be grouping.
	return head + "." + frac, nil
}

func hasEmptyGroup(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return true
		}
	}
	return false
}
