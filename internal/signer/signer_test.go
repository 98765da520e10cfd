package signer

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	oerrors "priceoracle/internal/errors"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testKey(t *testing.T) models.PrivateKey {
	t.Helper()
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	return key
}

func newUnsigned(nonce int64) *models.UnsignedTransaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	return &models.UnsignedTransaction{
		To:       &to,
		Value:    big.NewInt(0),
		GasLimit: big.NewInt(100000),
		GasPrice: big.NewInt(20000000000),
		Data:     []byte{0x01, 0x02, 0x03, 0x04},
		Nonce:    big.NewInt(nonce),
	}
}

// EIP-155 文档中的示例交易
func TestSign_EIP155Vector(t *testing.T) {
	key, err := ParsePrivateKey("4646464646464646464646464646464646464646464646464646464646464646")
	require.NoError(t, err)

	to := common.HexToAddress("0x3535353535353535353535353535353535353535")
	value, _ := new(big.Int).SetString("1000000000000000000", 10)
	tx := &models.UnsignedTransaction{
		To:       &to,
		Value:    value,
		GasLimit: big.NewInt(21000),
		GasPrice: big.NewInt(20000000000),
		Nonce:    big.NewInt(9),
	}

	signed, err := Sign(tx, key, big.NewInt(1))
	require.NoError(t, err)

	expected := "0xf86c098504a817c800825208943535353535353535353535353535353535353535880de0b6b3a76400008025a028ef61340bd939bc2195fe537567866003e1a15d3c71ff63e1590620aa636276a067cbe9d8997f761aecb703304b3800ccf555c9f3dc64214b297fb1966a3b6d83"
	assert.Equal(t, expected, hexutil.Encode(signed.Raw))
	assert.Equal(t, int64(37), signed.V.Int64())
}

func TestSign_RecoverAcrossChainsAndNonces(t *testing.T) {
	key := testKey(t)
	sender, err := AddressFromKey(key)
	require.NoError(t, err)

	for _, chainID := range []int64{1, 3} {
		for nonce := int64(0); nonce < 5; nonce++ {
			t.Run(fmt.Sprintf("chain=%d/nonce=%d", chainID, nonce), func(t *testing.T) {
				chain := big.NewInt(chainID)
				signed, err := Sign(newUnsigned(nonce), key, chain)
				require.NoError(t, err)

				assert.Equal(t, sender, signed.From)

				from, err := Recover(signed, chain)
				require.NoError(t, err)
				assert.Equal(t, sender, from)

				// v = recid + 2*chainId + 35, recid ∈ {0,1}
				base := 2*chainID + 35
				v := signed.V.Int64()
				assert.True(t, v == base || v == base+1, "v=%d", v)

				var decoded types.Transaction
				require.NoError(t, decoded.UnmarshalBinary(signed.Raw))
				assert.Equal(t, uint64(nonce), decoded.Nonce())
				assert.Equal(t, chain, decoded.ChainId())
				assert.Equal(t, signed.Hash, decoded.Hash())
			})
		}
	}
}

func TestSign_WrongChainRecoversDifferentSender(t *testing.T) {
	key := testKey(t)
	signed, err := Sign(newUnsigned(0), key, big.NewInt(3))
	require.NoError(t, err)

	_, err = Recover(signed, big.NewInt(1))
	assert.Error(t, err)
}

func TestSign_Deterministic(t *testing.T) {
	key := testKey(t)
	a, err := Sign(newUnsigned(1), key, big.NewInt(3))
	require.NoError(t, err)
	b, err := Sign(newUnsigned(1), key, big.NewInt(3))
	require.NoError(t, err)

	assert.Equal(t, a.Raw, b.Raw)
}

func TestSign_ContractCreation(t *testing.T) {
	key := testKey(t)
	tx := newUnsigned(0)
	tx.To = nil

	signed, err := Sign(tx, key, big.NewInt(3))
	require.NoError(t, err)

	var decoded types.Transaction
	require.NoError(t, decoded.UnmarshalBinary(signed.Raw))
	assert.Nil(t, decoded.To())
}

func TestToLegacyTx_CopiesInputs(t *testing.T) {
	tx := newUnsigned(2)
	legacy, err := toLegacyTx(tx)
	require.NoError(t, err)

	want := *tx.To
	*tx.To = common.HexToAddress("0xdead")
	tx.Data[0] = 0xff
	tx.GasPrice.SetInt64(1)

	require.NotNil(t, legacy.To)
	assert.Equal(t, want, *legacy.To)
	assert.Equal(t, byte(0x01), legacy.Data[0])
	assert.Equal(t, big.NewInt(20000000000), legacy.GasPrice)
}

func TestSign_Errors(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name    string
		tx      *models.UnsignedTransaction
		key     models.PrivateKey
		chainID *big.Int
		target  error
	}{
		{"短私钥", newUnsigned(0), models.PrivateKey{0x01, 0x02}, big.NewInt(1), oerrors.ErrKeyFormat},
		{"零私钥", newUnsigned(0), make(models.PrivateKey, 32), big.NewInt(1), oerrors.ErrKeyFormat},
		{"链ID为空", newUnsigned(0), key, nil, oerrors.ErrSigning},
		{"链ID为零", newUnsigned(0), key, big.NewInt(0), oerrors.ErrSigning},
		{"交易为空", nil, key, big.NewInt(1), oerrors.ErrSigning},
		{"nonce 为空", func() *models.UnsignedTransaction { tx := newUnsigned(0); tx.Nonce = nil; return tx }(), key, big.NewInt(1), oerrors.ErrSigning},
		{"gas price 为负", func() *models.UnsignedTransaction { tx := newUnsigned(0); tx.GasPrice = big.NewInt(-1); return tx }(), key, big.NewInt(1), oerrors.ErrSigning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sign(tt.tx, tt.key, tt.chainID)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "err=%v", err)
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	_, err := ParsePrivateKey(testKeyHex[2:])
	assert.NoError(t, err)

	for _, bad := range []string{"", "0x1234", "zz", testKeyHex + "00"} {
		_, err := ParsePrivateKey(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, oerrors.ErrKeyFormat))
		assert.NotContains(t, err.Error(), testKeyHex[2:])
	}
}

func TestPrivateKey_NeverPrinted(t *testing.T) {
	key := testKey(t)
	assert.Equal(t, "<redacted>", fmt.Sprintf("%v", key))
	assert.Equal(t, "<redacted>", fmt.Sprintf("%s", key))
	assert.Equal(t, "<redacted>", fmt.Sprintf("%#v", key))
}
