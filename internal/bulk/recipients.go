package bulk

import (
	"strings"
)

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

var phoneNoise = strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "", ".", "")

// ParseRecipients splits raw on newlines and commas, trims each token and
// keeps the ones that are phone numbers. Common notation (+, spaces,
// dashes, parentheses, dots) is stripped first; anything else that is
// not all digits, or has a length outside the E.164 range, is dropped
// silently. Order is preserved and duplicates are kept.
func ParseRecipients(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ',' || r == '\r'
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		token := strings.TrimSpace(f)
		if token == "" {
			continue
		}
		token = phoneNoise.Replace(token)
		if !isDigits(token) || len(token) < minPhoneDigits || len(token) > maxPhoneDigits {
			continue
		}
		out = append(out, token)
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
