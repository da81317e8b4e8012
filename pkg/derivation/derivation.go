package derivation

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	ErrInvalidPath   = errors.New("invalid derivation path")
	ErrInvalidKey    = errors.New("invalid extended public key")
	ErrHardenedIndex = errors.New("hardened index cannot be derived from a public key")
)

// ParsePath parses paths of the form m/44'/60'/0'/0 (or 44h/60h/0h/0).
func ParsePath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "m")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return []uint32{}, nil
	}

	segments := strings.Split(path, "/")
	out := make([]uint32, 0, len(segments))
	for _, segment := range segments {
		hardened := false
		if strings.HasSuffix(segment, "'") || strings.HasSuffix(segment, "h") {
			hardened = true
			segment = segment[:len(segment)-1]
		}
		val, err := strconv.ParseUint(segment, 10, 32)
		if err != nil || uint32(val) >= hdkeychain.HardenedKeyStart {
			return nil, errors.Wrapf(ErrInvalidPath, "segment %q", segment)
		}
		index := uint32(val)
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		out = append(out, index)
	}
	return out, nil
}

// FormatPath renders a path using the apostrophe notation for hardened indexes.
func FormatPath(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range path {
		b.WriteByte('/')
		if index >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(uint64(index-hdkeychain.HardenedKeyStart), 10))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(index), 10))
	}
	return b.String()
}

// AddressPath returns base with n appended. The result never shares memory with base.
func AddressPath(base []uint32, n uint32) []uint32 {
	out := make([]uint32, len(base)+1)
	copy(out, base)
	out[len(base)] = n
	return out
}

// AccountKey is a public-only extended key at account level.
type AccountKey struct {
	key *hdkeychain.ExtendedKey
}

// NewAccountKey builds an account key from hex encoded public key and chain code.
// Both compressed and uncompressed public keys are accepted.
func NewAccountKey(publicKeyHex, chainCodeHex string) (*AccountKey, error) {
	pub, err := decodeHex(publicKeyHex)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "public key is not hex")
	}
	chainCode, err := decodeHex(chainCodeHex)
	if err != nil || len(chainCode) != 32 {
		return nil, errors.Wrap(ErrInvalidKey, "chain code must be 32 bytes")
	}
	parsed, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}

	key := hdkeychain.NewExtendedKey(
		chaincfg.MainNetParams.HDPublicKeyID[:],
		parsed.SerializeCompressed(),
		chainCode,
		[]byte{0, 0, 0, 0},
		0,
		0,
		false,
	)
	return &AccountKey{key: key}, nil
}

// Address derives the checksummed address of child n.
func (k *AccountKey) Address(n uint32) (string, error) {
	if n >= hdkeychain.HardenedKeyStart {
		return "", errors.Wrapf(ErrHardenedIndex, "index %d", n)
	}
	child, err := k.key.Derive(n)
	if err != nil {
		return "", errors.Wrapf(err, "derive child %d", n)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", errors.Wrap(err, "child public key")
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
}

// DeriveAddress is a convenience wrapper around NewAccountKey and Address.
func DeriveAddress(publicKeyHex, chainCodeHex string, n uint32) (string, error) {
	k, err := NewAccountKey(publicKeyHex, chainCodeHex)
	if err != nil {
		return "", err
	}
	return k.Address(n)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}
