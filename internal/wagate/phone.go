package wagate

import (
	"fmt"
	"strings"
)

// normalizePhone turns a raw phone string into a destination JID. Digits are
// kept, everything else dropped, and numbers without the configured country
// prefix get it prepended.
func normalizePhone(raw, countryPrefix string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 {
		return "", fmt.Errorf("wagate: phone number too short: %q", raw)
	}
	if !strings.HasPrefix(digits, countryPrefix) {
		digits = countryPrefix + digits
	}
	return digits + "@s.whatsapp.net", nil
}
