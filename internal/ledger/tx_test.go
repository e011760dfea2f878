package ledger

import (
	"encoding/hex"
	"strings"
	"testing"

	xrplwallet "github.com/Peersyst/xrpl-go/xrpl/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// A signed Payment from the ed25519 signing vectors published with xrpl.js.
func TestSignPaymentMatchesKnownBlob(t *testing.T) {
	w, err := newWallet(xrplwallet.Wallet{
		PublicKey:      "EDE5638D8055CCD45EBF7F5FFD59FC1703D6BC00800BBA19F158119DAA1A52A8D5",
		PrivateKey:     "ED0A961B472E78B89F1AE6A7CC4FB55FD083B36661D3D124E1BA29998346AE1AA1",
		ClassicAddress: "raJB6EHNSJa3jV7FqWNrAhcL6FEDE3PGc5",
	})
	require.NoError(t, err)

	tx := NewPayment(MustDecodeAddress("rDwvihpE48E48F8rvNrqTb2UGWv62xqYTg"), XRP(15))
	tx.Account = w.Address()
	tx.Sequence = 1798962
	tx.Fee = 12

	signed, blob, id, err := w.Sign(tx)
	require.NoError(t, err)
	assert.Equal(t,
		"120000220000000024001B733261400000000000000F68400000000000000C7321EDE5638D8055CCD45EBF7F5FFD59FC1703D6BC00800BBA19F158119DAA1A52A8D57440A973391D589C1D81E55516420A8D095DD98D2FC1F85E53C427EEEC22C6D3DEBADFA184005F5539E6A672CC4FA468125981584DDCE9365A6C7076F2E9CAF86B0E81143A18A088CF12B2D3E51F47A75D2A9859EF61ECA78314858233827B488ECB8D0EB940E7AC85CE41E343CF",
		strings.ToUpper(hex.EncodeToString(blob)))
	assert.Equal(t, "37186C50D0A3FAB1218B5F7DAA235E4592F5080AF1C81F9B2678D4751C103CDF", id)
	assert.True(t, w.Verify(signed))

	again, err := signed.Hash()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

// A two-asset AMMDeposit taken from rippled's codec fixtures.
func TestAMMDepositMatchesKnownBlob(t *testing.T) {
	eth := MustDecodeAddress("rPyfep3gcLzkosKC9XiE77Y8DZWG6iWDT9")
	tx := NewAMMDeposit(XRP(1000), IssuedAmount("ETH", eth, decimal.NewFromInt(500)))
	tx.Account = MustDecodeAddress("rP5ZkB5RZQaECsSVR4DeSFK4fAw52BYtbw")
	tx.Fee = 10
	tx.Sequence = 1432289
	tx.SigningPubKey = mustHex(t, "ED7453D2572A2104E7B266A45888C53F503CEB1F11DC4BB3710EB2995238EC65B8")
	tx.TxnSignature = mustHex(t, "FC22B16A098C236ED7EDB3EBC983026DFD218A03C8BAA848F3E1D5389D5B8B00473C1178C5BA257BFA2DCD433C414690A430A5CFD71C1C0A7F7BF725EC175901")

	blob, err := tx.Encode(true)
	require.NoError(t, err)
	assert.Equal(t,
		"1200242200100000240015DAE16140000000000003E868400000000000000A6BD511C37937E080000000000000000000000000004554480000000000FBEF9A3A2B814E807745FA3D9C32FFD155FA2E8C7321ED7453D2572A2104E7B266A45888C53F503CEB1F11DC4BB3710EB2995238EC65B87440FC22B16A098C236ED7EDB3EBC983026DFD218A03C8BAA848F3E1D5389D5B8B00473C1178C5BA257BFA2DCD433C414690A430A5CFD71C1C0A7F7BF725EC1759018114F92F27CC5EE2F2760278FE096D0CBE32BDD3653A0318000000000000000000000000000000000000000004180000000000000000000000004554480000000000FBEF9A3A2B814E807745FA3D9C32FFD155FA2E8C",
		strings.ToUpper(hex.EncodeToString(blob)))

	id, err := tx.Hash()
	require.NoError(t, err)
	assert.Equal(t, "5D07DAC817A9FEEEF1C4E379B4ACBD190CDD7123E9E6CF70FCEE5E1643A53786", id)
	assert.Equal(t, id, txID(blob))
}

func TestEncodeWithoutSignatureDropsIt(t *testing.T) {
	tx := NewPayment(MustDecodeAddress(genesisAddress), XRP(10))
	tx.Account = MustDecodeAddress(issuerAddress)
	tx.Sequence = 1
	tx.Fee = 12

	_, err := tx.Encode(true)
	require.Error(t, err)

	unsigned, err := tx.Encode(false)
	require.NoError(t, err)
	tx.TxnSignature = []byte{0xAB, 0xCD}
	stillUnsigned, err := tx.Encode(false)
	require.NoError(t, err)
	assert.Equal(t, unsigned, stillUnsigned)
}

func TestEncodeRequiresAccount(t *testing.T) {
	_, err := NewPayment(MustDecodeAddress(genesisAddress), XRP(1)).Encode(false)
	assert.Error(t, err)
}

func TestEncodeRejectsUnrepresentableIssuedValue(t *testing.T) {
	tx := NewPayment(MustDecodeAddress(genesisAddress), IssuedAmount("USD", MustDecodeAddress(issuerAddress), decimal.RequireFromString("1.23456789012345678")))
	tx.Account = MustDecodeAddress(issuerAddress)
	_, err := tx.Encode(false)
	assert.Error(t, err)
}

func TestXRPToDropsTruncates(t *testing.T) {
	assert.Equal(t, int64(100_493_150), XRPToDrops(decimal.RequireFromString("100.4931506849315")))
	assert.Equal(t, int64(1), XRPToDrops(decimal.RequireFromString("0.0000019")))
	assert.Equal(t, int64(0), XRPToDrops(decimal.RequireFromString("0.0000009")))
}

func TestCurrencyCode(t *testing.T) {
	assert.Equal(t, "USD", CurrencyCode("USD"))
	assert.Equal(t, "524C555344000000000000000000000000000000", CurrencyCode("RLUSD"))
}

func TestMemoHex(t *testing.T) {
	m := NewMemo("escrow_withdraw", "abc")
	assert.Equal(t, "657363726F775F7769746864726177", m.TypeHex())
	assert.Equal(t, "616263", m.DataHex())
}

func TestIssuedCurrencyRoundTripsThroughCodec(t *testing.T) {
	issuer := MustDecodeAddress(issuerAddress)
	tx := NewPayment(MustDecodeAddress(genesisAddress), IssuedAmount("RLUSD", issuer, decimal.RequireFromString("100.49315")), NewMemo("escrow_withdraw", "e1"))
	tx.Account = issuer
	tx.Sequence = 9
	tx.Fee = 12

	blob, err := tx.Encode(false)
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(hex.EncodeToString(blob)), "524C555344000000000000000000000000000000")
	assert.Contains(t, strings.ToUpper(hex.EncodeToString(blob)), NewMemo("escrow_withdraw", "e1").DataHex())
}

func TestAMMDepositJSON(t *testing.T) {
	issuer := MustDecodeAddress(issuerAddress)
	tx := NewAMMDeposit(XRP(2_000_000), IssuedAmount("USD", issuer, decimal.RequireFromString("2")), NewMemo("escrow_amm", "e1"))
	tx.Account = MustDecodeAddress(genesisAddress)

	js := tx.JSON()
	assert.Equal(t, "AMMDeposit", js["TransactionType"])
	assert.Equal(t, tfTwoAsset, js["Flags"])
	assert.Equal(t, "2000000", js["Amount"])
	assert.Equal(t, map[string]any{"currency": "XRP"}, js["Asset"])
	assert.Equal(t, map[string]any{"currency": "USD", "issuer": issuerAddress}, js["Asset2"])
	assert.Equal(t, map[string]any{"currency": "USD", "issuer": issuerAddress, "value": "2"}, js["Amount2"])
	assert.NotContains(t, js, "TxnSignature")
}
