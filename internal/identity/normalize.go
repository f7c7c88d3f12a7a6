package identity

import (
	"strings"
	"unicode"
)

// Kind names an identity field.
type Kind string

const (
	KindPhone    Kind = "phone"
	KindEmail    Kind = "email"
	KindUserName Kind = "user_name"
)

// Kinds lists every identity field tracked by the index.
var Kinds = []Kind{KindPhone, KindEmail, KindUserName}

// Normalize canonicalizes a raw value for the given kind.
func Normalize(kind Kind, raw string) string {
	switch kind {
	case KindPhone:
		return NormalizePhone(raw)
	case KindEmail:
		return NormalizeEmail(raw)
	case KindUserName:
		return NormalizeName(raw)
	default:
		return strings.TrimSpace(raw)
	}
}

// NormalizePhone keeps digits and a leading plus sign.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// NormalizeEmail trims and lower-cases.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeName lower-cases and collapses inner whitespace.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(raw, unicode.IsSpace), " "))
}

// NormalizeVendor is used for blacklist membership.
func NormalizeVendor(raw string) string {
	return NormalizeName(raw)
}
