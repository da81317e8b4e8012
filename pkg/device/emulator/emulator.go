package emulator

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"

	"hwwallet/pkg/device"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"
)

// Confirm is asked before every signing operation; a non-nil error rejects it.
type Confirm func(op string) error

// Emulator is a software signing device seeded by a BIP-39 mnemonic.
type Emulator struct {
	id          string
	label       string
	master      *hdkeychain.ExtendedKey
	emptyMaster *hdkeychain.ExtendedKey
	state       string

	mu          sync.Mutex
	confirm     Confirm
	sessionOpen bool
	calls       int
	logger      *zap.Logger
}

// Option configures an Emulator.
type Option func(*Emulator)

// WithLabel sets the label reported by GetFeatures.
func WithLabel(label string) Option {
	return func(e *Emulator) { e.label = label }
}

// WithConfirm installs a confirmation hook.
func WithConfirm(c Confirm) Option {
	return func(e *Emulator) { e.confirm = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emulator) { e.logger = l }
}

// New creates an emulator for mnemonic protected by passphrase.
func New(id, mnemonic, passphrase string, opts ...Option) (*Emulator, error) {
	master, err := masterKey(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	emptyMaster, err := masterKey(mnemonic, "")
	if err != nil {
		return nil, err
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "master public key")
	}

	e := &Emulator{
		id:          id,
		label:       "emulator",
		master:      master,
		emptyMaster: emptyMaster,
		state:       hex.EncodeToString(crypto.Keccak256(pub.SerializeCompressed())[:16]),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.L().Named("emulator")
	}
	return e, nil
}

func masterKey(mnemonic, passphrase string) (*hdkeychain.ExtendedKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(err, "master key")
	}
	return key, nil
}

// State is the authentication state the emulator reports once unlocked.
func (e *Emulator) State() string {
	return e.state
}

// SessionOpen reports whether a caller holds the session open.
func (e *Emulator) SessionOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionOpen
}

// Calls returns the number of device calls served.
func (e *Emulator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Emulator) begin(ctx context.Context, p device.Params, op string) (*hdkeychain.ExtendedKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.confirm != nil {
		if err := e.confirm(op); err != nil {
			return nil, errors.Wrap(device.ErrDevice, err.Error())
		}
	}
	e.sessionOpen = p.KeepSession
	if p.UseEmptyPassphrase {
		return e.emptyMaster, nil
	}
	return e.master, nil
}

func derive(key *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, errors.Wrap(device.ErrDevice, err.Error())
		}
	}
	return key, nil
}

// GetPublicKey returns the public key and chain code at path.
func (e *Emulator) GetPublicKey(ctx context.Context, p device.Params, path []uint32) (device.PublicKey, error) {
	root, err := e.begin(ctx, p, "get_public_key")
	if err != nil {
		return device.PublicKey{}, err
	}
	key, err := derive(root, path)
	if err != nil {
		return device.PublicKey{}, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return device.PublicKey{}, errors.Wrap(device.ErrDevice, err.Error())
	}
	e.logger.Debug("public key exported", zap.Int("depth", len(path)))
	return device.PublicKey{
		PublicKey: hex.EncodeToString(pub.SerializeCompressed()),
		ChainCode: hex.EncodeToString(key.ChainCode()),
		Path:      append([]uint32(nil), path...),
	}, nil
}

// GetFeatures reports the device identity. A call without KeepSession ends the held session.
func (e *Emulator) GetFeatures(ctx context.Context, p device.Params) (device.Features, error) {
	if _, err := e.begin(ctx, p, "get_features"); err != nil {
		return device.Features{}, err
	}
	return device.Features{DeviceID: e.id, Label: e.label, Model: "emulator"}, nil
}

// SignTransaction signs a legacy EIP-155 transaction with the key at path.
func (e *Emulator) SignTransaction(ctx context.Context, p device.Params, path []uint32, body device.TxBody) (device.Signature, error) {
	root, err := e.begin(ctx, p, "sign_transaction")
	if err != nil {
		return device.Signature{}, err
	}
	key, err := derive(root, path)
	if err != nil {
		return device.Signature{}, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return device.Signature{}, errors.Wrap(device.ErrDevice, err.Error())
	}

	tx := types.NewTx(body.Legacy())
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(body.ChainID)), priv.ToECDSA())
	if err != nil {
		return device.Signature{}, errors.Wrap(device.ErrDevice, err.Error())
	}
	v, r, s := signed.RawSignatureValues()
	return device.Signature{
		R: hex.EncodeToString(common.LeftPadBytes(r.Bytes(), 32)),
		S: hex.EncodeToString(common.LeftPadBytes(s.Bytes(), 32)),
		V: v.Uint64(),
	}, nil
}
