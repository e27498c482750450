package identity

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/net/idna"
)

// Normalize converts a raw identifier into its canonical comparable form.
// defaultRegion is the ISO region (e.g. "US") used for national phone numbers.
//
// A single-character source prefix followed by a colon (the tags collectors
// attach, e.g. "P:+1717...", "E:a@b.com") is stripped before parsing; the
// prefix-stripped original is kept as ValueRaw.
func Normalize(ident Identifier, defaultRegion string) (Identifier, error) {
	if !ValidKind(ident.Kind) {
		return ident, fmt.Errorf("%w: unknown identifier kind %q", ErrValidation, ident.Kind)
	}

	raw := stripSourcePrefix(strings.TrimSpace(ident.ValueRaw))
	if raw == "" {
		return ident, fmt.Errorf("%w: empty %s identifier", ErrValidation, ident.Kind)
	}
	ident.ValueRaw = raw

	var canonical string
	var err error
	switch ident.Kind {
	case KindPhone:
		canonical, err = canonicalPhone(raw, defaultRegion)
	case KindEmail:
		canonical, err = canonicalEmail(raw)
	case KindIMessage:
		// iMessage handles are either an email or a phone number.
		if strings.Contains(raw, "@") {
			canonical, err = canonicalEmail(raw)
		} else {
			canonical, err = canonicalPhone(raw, defaultRegion)
		}
	case KindShortcode:
		canonical, err = canonicalShortcode(raw)
	case KindSocial:
		canonical, err = canonicalSocial(raw)
	}
	if err != nil {
		return ident, err
	}

	ident.ValueCanonical = canonical
	return ident, nil
}

// stripSourcePrefix removes a one-letter tag like "P:" or "E:".
func stripSourcePrefix(s string) string {
	if len(s) >= 2 && s[1] == ':' && isASCIILetter(s[0]) {
		return s[2:]
	}
	return s
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// canonicalPhone parses a phone number into E.164 form. Numbers the parser
// rejects fall back to a digit heuristic so obvious NANP formats still
// canonicalize identically.
func canonicalPhone(raw string, region string) (string, error) {
	if num, err := phonenumbers.Parse(raw, region); err == nil {
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}
	return heuristicPhone(raw)
}

// heuristicPhone keeps digits and a leading "+". A bare 10-digit number is
// assumed NANP, an 11-digit number starting with 1 gets a "+".
func heuristicPhone(raw string) (string, error) {
	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case d == "":
		return "", fmt.Errorf("%w: unparseable phone number %q", ErrValidation, raw)
	case hasPlus:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	default:
		return "+" + d, nil
	}
}

// canonicalEmail lowercases the local part and domain and applies IDNA
// encoding to the domain so Unicode and punycode forms compare equal.
func canonicalEmail(raw string) (string, error) {
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return "", fmt.Errorf("%w: invalid email %q", ErrValidation, raw)
	}
	local := strings.ToLower(raw[:at])
	domain := strings.ToLower(raw[at+1:])

	encoded, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: invalid email domain %q: %v", ErrValidation, domain, err)
	}
	return local + "@" + encoded, nil
}

func canonicalShortcode(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 3 || len(d) > 8 {
		return "", fmt.Errorf("%w: invalid shortcode %q", ErrValidation, raw)
	}
	return d, nil
}

func canonicalSocial(raw string) (string, error) {
	handle := strings.ToLower(strings.TrimPrefix(raw, "@"))
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", fmt.Errorf("%w: empty social handle", ErrValidation)
	}
	return handle, nil
}

// NormalizeAll normalizes a record's identifiers, dropping the ones that fail.
// The returned dropped count lets callers decide whether any identity signal
// survived.
func NormalizeAll(idents []Identifier, defaultRegion string) (valid []Identifier, dropped int) {
	seen := make(map[string]struct{}, len(idents))
	for _, ident := range idents {
		n, err := Normalize(ident, defaultRegion)
		if err != nil {
			dropped++
			continue
		}
		key := string(n.Kind) + "\x00" + n.ValueCanonical
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, n)
	}
	return valid, dropped
}
