package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the ledger's native asset code.
const NativeCurrency = "XRP"

// Issue identifies an asset: the native currency, or a currency code held against an issuer.
type Issue struct {
	Currency string
	Issuer   Address
}

// NativeIssue is the native asset.
func NativeIssue() Issue {
	return Issue{Currency: NativeCurrency}
}

func (i Issue) IsNative() bool {
	return i.Currency == "" || i.Currency == NativeCurrency
}

// Amount is either a whole number of drops of the native asset or a decimal
// quantity of an issued currency.
type Amount struct {
	native   bool
	drops    int64
	Currency string
	Issuer   Address
	Value    decimal.Decimal
}

// XRP builds a native amount in drops.
func XRP(drops int64) Amount {
	return Amount{native: true, drops: drops, Currency: NativeCurrency}
}

// IssuedAmount builds an issued-currency amount.
func IssuedAmount(currency string, issuer Address, value decimal.Decimal) Amount {
	return Amount{Currency: currency, Issuer: issuer, Value: value}
}

// XRPToDrops converts a native quantity to whole drops, truncating sub-drop fractions.
func XRPToDrops(xrp decimal.Decimal) int64 {
	return xrp.Shift(6).Truncate(0).IntPart()
}

func (a Amount) IsNative() bool { return a.native }

func (a Amount) Drops() int64 { return a.drops }

// Issue returns the asset the amount is denominated in.
func (a Amount) Issue() Issue {
	if a.native {
		return NativeIssue()
	}
	return Issue{Currency: a.Currency, Issuer: a.Issuer}
}

func (a Amount) String() string {
	if a.native {
		return strconv.FormatInt(a.drops, 10) + " drops"
	}
	return a.Value.String() + " " + a.Currency + "/" + a.Issuer.String()
}

// JSON is the transaction-JSON rendering: a drops string or a currency object.
func (a Amount) JSON() any {
	if a.native {
		return strconv.FormatInt(a.drops, 10)
	}
	return map[string]any{
		"currency": CurrencyCode(a.Currency),
		"issuer":   a.Issuer.String(),
		"value":    a.Value.String(),
	}
}

// CurrencyCode renders a currency for transaction JSON: three-letter codes
// pass through, anything longer becomes the 160-bit hex form.
func CurrencyCode(code string) string {
	if len(code) == 3 {
		return code
	}
	raw, err := currencyBytes(code)
	if err != nil {
		return code
	}
	return strings.ToUpper(hex.EncodeToString(raw[:]))
}

func currencyBytes(code string) ([20]byte, error) {
	var out [20]byte
	switch {
	case code == "" || code == NativeCurrency:
		return out, nil
	case len(code) == 3:
		copy(out[12:15], code)
		return out, nil
	case len(code) == 40:
		raw, err := hex.DecodeString(code)
		if err != nil {
			return out, fmt.Errorf("currency %q: %w", code, err)
		}
		copy(out[:], raw)
		return out, nil
	case len(code) <= 20:
		copy(out[:], code)
		return out, nil
	default:
		return out, errors.New("currency code too long: " + code)
	}
}
