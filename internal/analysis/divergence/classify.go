package divergence

import (
	"fmt"
	"strings"
)

// Type tags a classified divergence using the positive/negative naming:
// positive types resolve bullish, negative types bearish. The zero value
// means no divergence.
type Type string

const (
	PositiveRegular Type = "positive_regular"
	PositiveHidden  Type = "positive_hidden"
	NegativeRegular Type = "negative_regular"
	NegativeHidden  Type = "negative_hidden"
)

// Types lists the four classifications in canonical order.
func Types() []Type {
	return []Type{PositiveRegular, PositiveHidden, NegativeRegular, NegativeHidden}
}

// ParseType maps a configuration string onto a Type, ignoring case and
// surrounding whitespace.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case PositiveRegular, PositiveHidden, NegativeRegular, NegativeHidden:
		return t, nil
	}
	return "", fmt.Errorf("divergence: unknown type %q", raw)
}

func (t Type) Bullish() bool { return strings.HasPrefix(string(t), "positive") }

func (t Type) Hidden() bool { return strings.HasSuffix(string(t), "_hidden") }

// classify compares a freshly confirmed pivot against the previous pivot
// of the same kind. Both axes must strictly disagree (price one way,
// oscillator the other); a tie on either axis yields no divergence, and
// NaN comparisons fail closed.
func classify(kind PivotKind, price, prevPrice, value, prevValue float64) Type {
	if kind == PivotLow {
		switch {
		case price < prevPrice && value > prevValue:
			return PositiveRegular
		case price > prevPrice && value < prevValue:
			return PositiveHidden
		}
		return ""
	}
	switch {
	case price > prevPrice && value < prevValue:
		return NegativeRegular
	case price < prevPrice && value > prevValue:
		return NegativeHidden
	}
	return ""
}
