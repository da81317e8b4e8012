package device

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"

	"hwwallet/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrDevice wraps any failure reported by the signing device, including user cancellation.
var ErrDevice = errors.New("device error")

// Params identifies the device session a call runs in.
type Params struct {
	Path               string
	Instance           int
	State              string
	KeepSession        bool
	UseEmptyPassphrase bool
}

// ParamsFor builds call parameters from a device record.
func ParamsFor(d models.Device, keepSession bool) Params {
	return Params{
		Path:               d.Path,
		Instance:           d.Instance,
		State:              d.State,
		KeepSession:        keepSession,
		UseEmptyPassphrase: d.UseEmptyPassphrase,
	}
}

// PublicKey is the account level key returned by the device.
type PublicKey struct {
	PublicKey string   `json:"public_key"`
	ChainCode string   `json:"chain_code"`
	Path      []uint32 `json:"path"`
}

// Features describes the connected device.
type Features struct {
	DeviceID string `json:"device_id"`
	Label    string `json:"label"`
	Model    string `json:"model"`
}

// Signature holds the components of a transaction signature.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint64 `json:"v"`
}

// TxBody is the unsigned transaction handed to the device.
type TxBody struct {
	To       string   `json:"to"`
	Value    *big.Int `json:"value"`
	GasPrice *big.Int `json:"gas_price"`
	GasLimit uint64   `json:"gas_limit"`
	Nonce    uint64   `json:"nonce"`
	Data     []byte   `json:"data"`
	ChainID  int64    `json:"chain_id"`
}

// Legacy converts the body into a legacy transaction payload.
func (b TxBody) Legacy() *types.LegacyTx {
	to := common.HexToAddress(b.To)
	value := b.Value
	if value == nil {
		value = new(big.Int)
	}
	gasPrice := b.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	return &types.LegacyTx{
		Nonce:    b.Nonce,
		GasPrice: gasPrice,
		Gas:      b.GasLimit,
		To:       &to,
		Value:    value,
		Data:     b.Data,
	}
}

// Signed attaches an EIP-155 signature produced by the device to the body.
func (b TxBody) Signed(sig Signature) (*types.Transaction, error) {
	r, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	if err != nil || len(r) > 32 {
		return nil, errors.Errorf("invalid signature r %q", sig.R)
	}
	s, err := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	if err != nil || len(s) > 32 {
		return nil, errors.Errorf("invalid signature s %q", sig.S)
	}
	base := uint64(35 + 2*b.ChainID)
	if sig.V < base || sig.V > base+1 {
		return nil, errors.Errorf("signature v %d does not match chain %d", sig.V, b.ChainID)
	}

	raw := make([]byte, 65)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(s):64], s)
	raw[64] = byte(sig.V - base)

	signer := types.NewEIP155Signer(big.NewInt(b.ChainID))
	return types.NewTx(b.Legacy()).WithSignature(signer, raw)
}

// Device is the hardware signing device.
type Device interface {
	GetPublicKey(ctx context.Context, p Params, path []uint32) (PublicKey, error)
	GetFeatures(ctx context.Context, p Params) (Features, error)
	SignTransaction(ctx context.Context, p Params, path []uint32, tx TxBody) (Signature, error)
}

// Sessions serializes flows holding a device session. One holder per device at a time.
type Sessions struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewSessions creates an empty lease table.
func NewSessions() *Sessions {
	return &Sessions{slots: make(map[string]*semaphore.Weighted)}
}

func (s *Sessions) slot(id string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.slots[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.slots[id] = sem
	}
	return sem
}

// Acquire blocks until the session of device id is free or ctx is done.
// The returned release func is safe to call more than once.
func (s *Sessions) Acquire(ctx context.Context, id string) (func(), error) {
	sem := s.slot(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
