package derivation

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountLevelKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	path, err := ParsePath("m/44'/60'/0'/0")
	require.NoError(t, err)
	for _, index := range path {
		key, err = key.Derive(index)
		require.NoError(t, err)
	}
	return key
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    []uint32
		wantErr bool
	}{
		{"bip44 eth", "m/44'/60'/0'/0", []uint32{0x8000002c, 0x8000003c, 0x80000000, 0}, false},
		{"h notation", "m/44h/61h/0h/0", []uint32{0x8000002c, 0x8000003d, 0x80000000, 0}, false},
		{"no prefix", "44'/60'", []uint32{0x8000002c, 0x8000003c}, false},
		{"root", "m", []uint32{}, false},
		{"garbage", "m/44'/x/0", nil, true},
		{"out of range", "m/2147483648", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePath(tt.path)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidPath))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPathRoundTrip(t *testing.T) {
	path := []uint32{0x8000002c, 0x8000003c, 0x80000000, 0, 7}
	s := FormatPath(path)
	assert.Equal(t, "m/44'/60'/0'/0/7", s)
	parsed, err := ParsePath(s)
	require.NoError(t, err)
	assert.Equal(t, path, parsed)
}

func TestAddressPathDoesNotAlias(t *testing.T) {
	base := make([]uint32, 4, 8)
	copy(base, []uint32{1, 2, 3, 4})

	a := AddressPath(base, 0)
	b := AddressPath(base, 1)

	assert.Equal(t, []uint32{1, 2, 3, 4, 0}, a)
	assert.Equal(t, []uint32{1, 2, 3, 4, 1}, b)
	assert.Equal(t, []uint32{1, 2, 3, 4}, base)
}

func TestAddressMatchesPrivateDerivation(t *testing.T) {
	account := accountLevelKey(t)
	pub, err := account.ECPubKey()
	require.NoError(t, err)

	key, err := NewAccountKey(hex.EncodeToString(pub.SerializeCompressed()), hex.EncodeToString(account.ChainCode()))
	require.NoError(t, err)

	for n := uint32(0); n < 3; n++ {
		child, err := account.Derive(n)
		require.NoError(t, err)
		priv, err := child.ECPrivKey()
		require.NoError(t, err)
		want := crypto.PubkeyToAddress(priv.ToECDSA().PublicKey).Hex()

		got, err := key.Address(n)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAddressDeterministic(t *testing.T) {
	account := accountLevelKey(t)
	pub, err := account.ECPubKey()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub.SerializeUncompressed())
	chainHex := "0x" + hex.EncodeToString(account.ChainCode())

	first, err := DeriveAddress(pubHex, chainHex, 5)
	require.NoError(t, err)
	second, err := DeriveAddress(pubHex, chainHex, 5)
	require.NoError(t, err)
	other, err := DeriveAddress(pubHex, chainHex, 6)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestMalformedInput(t *testing.T) {
	_, err := NewAccountKey("zz", "00")
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = NewAccountKey("02"+hex.EncodeToString(make([]byte, 32)), hex.EncodeToString(make([]byte, 31)))
	assert.True(t, errors.Is(err, ErrInvalidKey))

	account := accountLevelKey(t)
	pub, err := account.ECPubKey()
	require.NoError(t, err)
	key, err := NewAccountKey(hex.EncodeToString(pub.SerializeCompressed()), hex.EncodeToString(account.ChainCode()))
	require.NoError(t, err)
	_, err = key.Address(hdkeychain.HardenedKeyStart)
	assert.True(t, errors.Is(err, ErrHardenedIndex))
}
