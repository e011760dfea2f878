package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	binarycodec "github.com/Peersyst/xrpl-go/binary-codec"
	"github.com/Peersyst/xrpl-go/xrpl/hash"
)

// TxType is the ledger's numeric transaction type.
type TxType uint16

const (
	TxTypePayment    TxType = 0
	TxTypeAMMDeposit TxType = 36
)

func (t TxType) String() string {
	switch t {
	case TxTypePayment:
		return "Payment"
	case TxTypeAMMDeposit:
		return "AMMDeposit"
	default:
		return "Unknown"
	}
}

// AMMDeposit flag: deposit both pool assets.
const tfTwoAsset uint32 = 0x00100000

// Memo is an arbitrary tag/data pair attached to a transaction.
type Memo struct {
	Type []byte
	Data []byte
}

// NewMemo tags a transaction with an action name and a reference.
func NewMemo(action, reference string) Memo {
	return Memo{Type: []byte(action), Data: []byte(reference)}
}

// TypeHex and DataHex are the upper-case hex forms the ledger expects.
func (m Memo) TypeHex() string { return strings.ToUpper(hex.EncodeToString(m.Type)) }
func (m Memo) DataHex() string { return strings.ToUpper(hex.EncodeToString(m.Data)) }

// Tx is a ledger transaction. Common fields are filled by Autofill and Sign;
// the type-specific fields are set by the constructors.
type Tx struct {
	Type               TxType
	Account            Address
	Flags              uint32
	Sequence           uint32
	Fee                int64
	LastLedgerSequence uint32

	Destination *Address
	Amount      *Amount
	Amount2     *Amount
	Asset       *Issue
	Asset2      *Issue
	Memos       []Memo

	SigningPubKey []byte
	TxnSignature  []byte
}

// NewPayment pays amount to destination.
func NewPayment(destination Address, amount Amount, memos ...Memo) Tx {
	return Tx{
		Type:        TxTypePayment,
		Destination: &destination,
		Amount:      &amount,
		Memos:       memos,
	}
}

// NewAMMDeposit deposits both sides of an asset pair into its liquidity pool.
func NewAMMDeposit(amount, amount2 Amount, memos ...Memo) Tx {
	asset, asset2 := amount.Issue(), amount2.Issue()
	return Tx{
		Type:    TxTypeAMMDeposit,
		Flags:   tfTwoAsset,
		Asset:   &asset,
		Asset2:  &asset2,
		Amount:  &amount,
		Amount2: &amount2,
		Memos:   memos,
	}
}

// Encode serializes the transaction in canonical binary form. The signature
// is included only when withSignature is set.
func (t Tx) Encode(withSignature bool) ([]byte, error) {
	if t.Account.IsZero() {
		return nil, errors.New("transaction account is not set")
	}
	fields := t.JSON()
	if withSignature {
		if len(t.TxnSignature) == 0 {
			return nil, errors.New("transaction is not signed")
		}
	} else {
		delete(fields, "TxnSignature")
	}
	encoded, err := binarycodec.Encode(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.Type, err)
	}
	return hex.DecodeString(encoded)
}

// Hash is the transaction identifier of a signed transaction.
func (t Tx) Hash() (string, error) {
	blob, err := t.Encode(true)
	if err != nil {
		return "", err
	}
	return hash.SignTxBlob(strings.ToUpper(hex.EncodeToString(blob)))
}

// txID hashes an encoded transaction with the transaction-id prefix.
func txID(blob []byte) string {
	payload := binary.BigEndian.AppendUint32(nil, hash.TransactionPrefix)
	return hash.EncodeToHashString(append(payload, blob...))
}

// JSON renders the transaction in the field-name form the binary codec and
// sign-request services both accept. Zero-valued autofill fields are omitted.
func (t Tx) JSON() map[string]any {
	out := map[string]any{
		"TransactionType": t.Type.String(),
		"Account":         t.Account.String(),
		"Flags":           t.Flags,
	}
	if t.Sequence != 0 {
		out["Sequence"] = t.Sequence
	}
	if t.Fee != 0 {
		out["Fee"] = XRP(t.Fee).JSON()
	}
	if t.LastLedgerSequence != 0 {
		out["LastLedgerSequence"] = t.LastLedgerSequence
	}
	if t.Destination != nil {
		out["Destination"] = t.Destination.String()
	}
	if t.Amount != nil {
		out["Amount"] = t.Amount.JSON()
	}
	if t.Amount2 != nil {
		out["Amount2"] = t.Amount2.JSON()
	}
	if t.Asset != nil {
		out["Asset"] = issueJSON(*t.Asset)
	}
	if t.Asset2 != nil {
		out["Asset2"] = issueJSON(*t.Asset2)
	}
	if len(t.Memos) > 0 {
		memos := make([]any, 0, len(t.Memos))
		for _, m := range t.Memos {
			memos = append(memos, map[string]any{
				"Memo": map[string]any{
					"MemoType": m.TypeHex(),
					"MemoData": m.DataHex(),
				},
			})
		}
		out["Memos"] = memos
	}
	if len(t.SigningPubKey) > 0 {
		out["SigningPubKey"] = strings.ToUpper(hex.EncodeToString(t.SigningPubKey))
	}
	if len(t.TxnSignature) > 0 {
		out["TxnSignature"] = strings.ToUpper(hex.EncodeToString(t.TxnSignature))
	}
	return out
}

func issueJSON(i Issue) map[string]any {
	if i.IsNative() {
		return map[string]any{"currency": NativeCurrency}
	}
	return map[string]any{"currency": CurrencyCode(i.Currency), "issuer": i.Issuer.String()}
}
