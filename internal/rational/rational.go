// Package rational provides the exact numeric value exchanged between the
// orchestrator and its workers. Values never pass through binary floating
// point; on the wire they are strings such as "14", "-3/4" or "2.5".
package rational

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

// ErrDivisionByZero is returned by Quo when the divisor is zero.
var ErrDivisionByZero = errors.New("division by zero")

// Value is an immutable exact rational. The zero Value is 0.
type Value struct {
	r *big.Rat
}

// FromInt returns the integer n as a Value.
func FromInt(n int64) Value {
	return Value{r: new(big.Rat).SetInt64(n)}
}

// FromFrac returns num/den. It panics if den is zero.
func FromFrac(num, den int64) Value {
	if den == 0 {
		panic("rational: zero denominator")
	}
	return Value{r: big.NewRat(num, den)}
}

// Parse accepts an optionally signed integer, decimal ("2.50", ".5") or
// fraction ("3/4") literal.
func Parse(s string) (Value, error) {
	text := strings.TrimSpace(s)
	if !validLiteral(text) {
		return Value{}, fmt.Errorf("invalid rational literal %q", s)
	}
	r, ok := new(big.Rat).SetString(normalize(text))
	if !ok {
		return Value{}, fmt.Errorf("invalid rational literal %q", s)
	}
	return Value{r: r}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// validLiteral rejects the exponent and hexadecimal forms big.Rat would accept.
func validLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	num, den, isFrac := strings.Cut(s, "/")
	if isFrac {
		return digitsOnly(num) && digitsOnly(den)
	}
	whole, frac, _ := strings.Cut(num, ".")
	if whole == "" && frac == "" {
		return false
	}
	return (whole == "" || digitsOnly(whole)) && (frac == "" || digitsOnly(frac))
}

// normalize spells out the implied zeros of ".5" and "2.".
func normalize(s string) string {
	sign := ""
	if s[0] == '-' || s[0] == '+' {
		sign, s = s[:1], s[1:]
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return sign + s
}

func digitsOnly(s string) bool {
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

func (v Value) rat() *big.Rat {
	if v.r == nil {
		return new(big.Rat)
	}
	return v.r
}

// Add returns v+w.
func (v Value) Add(w Value) Value { return Value{r: new(big.Rat).Add(v.rat(), w.rat())} }

// Sub returns v-w.
func (v Value) Sub(w Value) Value { return Value{r: new(big.Rat).Sub(v.rat(), w.rat())} }

// Mul returns v*w.
func (v Value) Mul(w Value) Value { return Value{r: new(big.Rat).Mul(v.rat(), w.rat())} }

// Quo returns v/w, or ErrDivisionByZero.
func (v Value) Quo(w Value) (Value, error) {
	if w.IsZero() {
		return Value{}, ErrDivisionByZero
	}
	return Value{r: new(big.Rat).Quo(v.rat(), w.rat())}, nil
}

// Neg returns -v.
func (v Value) Neg() Value { return Value{r: new(big.Rat).Neg(v.rat())} }

// Sign returns -1, 0 or +1.
func (v Value) Sign() int { return v.rat().Sign() }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.Sign() == 0 }

// IsInt reports whether v has denominator 1.
func (v Value) IsInt() bool { return v.rat().IsInt() }

// Cmp compares v and w.
func (v Value) Cmp(w Value) int { return v.rat().Cmp(w.rat()) }

// Equal reports whether v and w denote the same number.
func (v Value) Equal(w Value) bool { return v.Cmp(w) == 0 }

// Rat returns a copy of the underlying big.Rat.
func (v Value) Rat() *big.Rat { return new(big.Rat).Set(v.rat()) }

// String returns the value in lowest terms: "n" or "n/d".
func (v Value) String() string { return v.rat().RatString() }

// Decimal returns the exact decimal expansion when the denominator only has
// factors 2 and 5. Otherwise it reports false.
func (v Value) Decimal() (string, bool) {
	den := new(big.Int).Set(v.rat().Denom())
	two, five := big.NewInt(2), big.NewInt(5)
	var twos, fives int
	mod := new(big.Int)
	for {
		q, m := new(big.Int).QuoRem(den, two, mod)
		if m.Sign() != 0 {
			break
		}
		den, twos = q, twos+1
	}
	for {
		q, m := new(big.Int).QuoRem(den, five, mod)
		if m.Sign() != 0 {
			break
		}
		den, fives = q, fives+1
	}
	if den.Cmp(big.NewInt(1)) != 0 {
		return "", false
	}
	return v.rat().FloatString(max(twos, fives)), true
}

// LogValue renders the value in structured logs.
func (v Value) LogValue() slog.Value { return slog.StringValue(v.String()) }

// MarshalJSON encodes the value as a JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON accepts a JSON string or a JSON number literal.
func (v *Value) UnmarshalJSON(data []byte) error {
	var text string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	} else {
		text = string(data)
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
