// Package canonical produces the deterministic byte form of a transaction
// over which its hash is computed. The encoding must match, byte for byte,
// what the customer's web client signs: a JSON object literal with a fixed
// key order, no whitespace, and JavaScript number formatting for the amount.
package canonical

import (
	"fmt"
	"strconv"
	"strings"
)

// Variant selects which canonical form to emit.
type Variant int

const (
	// Compact is the original six-field form without wallet_id.
	Compact Variant = iota
	// Extended appends wallet_id as the final field.
	Extended
)

// FormError reports a missing or malformed required field.
type FormError struct {
	Field string
}

func (e *FormError) Error() string {
	return fmt.Sprintf("canonical form: missing or empty field %q", e.Field)
}

// Fields holds the signed core of a transaction. PrevHash and WalletID may
// be empty; everything else is required.
type Fields struct {
	TxnID     string
	FromID    string
	ToID      string
	Amount    float64
	Timestamp string
	PrevHash  string
	WalletID  string
}

// FormatAmount renders an amount the way JavaScript's Number stringification
// does: shortest round-trip decimal, no trailing zeros, integers without a
// fractional part (10 not 10.0, 10.5 not 10.50).
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Encode returns the canonical byte string for the given variant.
func Encode(f Fields, v Variant) ([]byte, error) {
	switch {
	case f.TxnID == "":
		return nil, &FormError{Field: "txn_id"}
	case f.FromID == "":
		return nil, &FormError{Field: "from_id"}
	case f.ToID == "":
		return nil, &FormError{Field: "to_id"}
	case f.Timestamp == "":
		return nil, &FormError{Field: "timestamp"}
	}

	var b strings.Builder
	b.WriteString(`{"txn_id":`)
	b.WriteString(quote(f.TxnID))
	b.WriteString(`,"from_id":`)
	b.WriteString(quote(f.FromID))
	b.WriteString(`,"to_id":`)
	b.WriteString(quote(f.ToID))
	b.WriteString(`,"amount":`)
	b.WriteString(FormatAmount(f.Amount))
	b.WriteString(`,"timestamp":`)
	b.WriteString(quote(f.Timestamp))
	b.WriteString(`,"prev_hash":`)
	b.WriteString(quote(f.PrevHash))
	if v == Extended {
		b.WriteString(`,"wallet_id":`)
		b.WriteString(quote(f.WalletID))
	}
	b.WriteString("}")
	return []byte(b.String()), nil
}

// PreferredVariant picks the form the current client revision signs under:
// wallet_id is included iff it is non-empty.
func PreferredVariant(f Fields) Variant {
	if f.WalletID != "" {
		return Extended
	}
	return Compact
}

// quote JSON-escapes a string value the same way JSON.stringify does for
// the field values that appear in transactions (identifiers, timestamps,
// hex hashes). Control characters and quotes are escaped; everything else
// passes through unchanged, matching ECMA-404 output for these inputs.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
