package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	binarycodec "github.com/Peersyst/xrpl-go/binary-codec"
	"github.com/Peersyst/xrpl-go/pkg/crypto"
	xrplwallet "github.com/Peersyst/xrpl-go/xrpl/wallet"
)

// KeyType is the signing algorithm behind a wallet.
type KeyType string

const (
	KeyTypeSecp256k1 KeyType = "secp256k1"
	KeyTypeEd25519   KeyType = "ed25519"
)

// Wallet holds the platform's operational key. It is loaded once and only
// ever exposes its address when formatted.
type Wallet struct {
	keys    xrplwallet.Wallet
	keyType KeyType
	address Address
}

// WalletFromSeed derives the account key pair from an encoded seed.
// "sEd..." seeds are ed25519; other family seeds use secp256k1.
func WalletFromSeed(seed string) (*Wallet, error) {
	keys, err := xrplwallet.FromSeed(seed, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return newWallet(keys)
}

func newWallet(keys xrplwallet.Wallet) (*Wallet, error) {
	address, err := DecodeAddress(keys.ClassicAddress.String())
	if err != nil {
		return nil, fmt.Errorf("%w: derived address: %v", ErrInvalidSeed, err)
	}
	keyType := KeyTypeSecp256k1
	if strings.HasPrefix(strings.ToUpper(keys.PublicKey), "ED") {
		keyType = KeyTypeEd25519
	}
	keys.Seed = ""
	return &Wallet{keys: keys, keyType: keyType, address: address}, nil
}

func (w *Wallet) Address() Address { return w.address }

func (w *Wallet) KeyType() KeyType { return w.keyType }

func (w *Wallet) PublicKey() []byte {
	b, _ := hex.DecodeString(w.keys.PublicKey)
	return b
}

func (w *Wallet) String() string { return w.address.String() }

// GoString keeps key material out of %#v output.
func (w *Wallet) GoString() string { return "ledger.Wallet{" + w.address.String() + "}" }

// Sign sets the signing fields on tx and returns the signed blob and the
// transaction identifier.
func (w *Wallet) Sign(tx Tx) (Tx, []byte, string, error) {
	if tx.Account != w.address {
		return tx, nil, "", fmt.Errorf("transaction account %s does not match wallet %s", tx.Account, w.address)
	}
	tx.SigningPubKey = w.PublicKey()
	tx.TxnSignature = nil

	fields := tx.JSON()
	blobHex, id, err := w.keys.Sign(fields)
	if err != nil {
		return tx, nil, "", fmt.Errorf("sign %s: %w", tx.Type, err)
	}
	sig, _ := fields["TxnSignature"].(string)
	if tx.TxnSignature, err = hex.DecodeString(sig); err != nil {
		return tx, nil, "", fmt.Errorf("decode signature: %w", err)
	}
	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return tx, nil, "", fmt.Errorf("decode blob: %w", err)
	}
	return tx, blob, id, nil
}

// Verify checks tx's signature against the wallet's public key.
func (w *Wallet) Verify(tx Tx) bool {
	if len(tx.TxnSignature) == 0 {
		return false
	}
	sig := strings.ToUpper(hex.EncodeToString(tx.TxnSignature))
	tx.TxnSignature = nil
	signing, err := binarycodec.EncodeForSigning(tx.JSON())
	if err != nil {
		return false
	}
	msg, err := hex.DecodeString(signing)
	if err != nil {
		return false
	}
	var alg interface {
		Validate(msg, pubkey, sig string) bool
	} = crypto.SECP256K1()
	if w.keyType == KeyTypeEd25519 {
		alg = crypto.ED25519()
	}
	return alg.Validate(string(msg), w.keys.PublicKey, sig)
}
