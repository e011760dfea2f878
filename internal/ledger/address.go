package ledger

import (
	"errors"
	"fmt"

	addresscodec "github.com/Peersyst/xrpl-go/address-codec"
)

var (
	ErrInvalidAddress = errors.New("invalid ledger address")
	ErrInvalidSeed    = errors.New("invalid ledger seed")
)

// Address is a 20-byte ledger account identifier.
type Address [20]byte

// String renders the classic "r..." form.
func (a Address) String() string {
	s, err := addresscodec.EncodeAccountIDToClassicAddress(a[:])
	if err != nil {
		// unreachable: the id is always 20 bytes
		return ""
	}
	return s
}

// IsZero reports whether a was never set.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DecodeAddress parses a classic address, verifying alphabet, type prefix and
// checksum. X-addresses are not accepted.
func DecodeAddress(s string) (Address, error) {
	if len(s) < 25 || len(s) > 35 || s[0] != 'r' {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	prefix, id, err := addresscodec.DecodeClassicAddressToAccountID(s)
	if err != nil || len(prefix) != 1 || prefix[0] != addresscodec.AccountAddressPrefix || len(id) != addresscodec.AccountAddressLength {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	var out Address
	copy(out[:], id)
	return out, nil
}

// EncodeAddress renders a 20-byte account id.
func EncodeAddress(accountID []byte) (string, error) {
	s, err := addresscodec.EncodeAccountIDToClassicAddress(accountID)
	if err != nil {
		return "", fmt.Errorf("%w: account id must be 20 bytes, got %d", ErrInvalidAddress, len(accountID))
	}
	return s, nil
}

// MustDecodeAddress is for constants and tests.
func MustDecodeAddress(s string) Address {
	a, err := DecodeAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValidAddress reports whether s is a well-formed classic address.
func IsValidAddress(s string) bool {
	_, err := DecodeAddress(s)
	return err == nil
}
