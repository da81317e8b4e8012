package rpc

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

var (
	selectorBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}
	selectorSymbol    = []byte{0x95, 0xd8, 0x9b, 0x41}
	selectorDecimals  = []byte{0x31, 0x3c, 0xe5, 0x67}
	selectorName      = []byte{0x06, 0xfd, 0xde, 0x03}
)

// EstimateRequest describes a call to estimate gas for.
type EstimateRequest struct {
	To       string // zero address when empty
	Data     string // hex, with or without 0x prefix
	Value    string // ether
	GasPrice string // gwei
}

// Backend is a live connection to one endpoint of a network.
type Backend struct {
	network  config.NetworkConfig
	endpoint string
	client   Client
	breaker  *gobreaker.CircuitBreaker
	limiter  ratelimit.Limiter
	metrics  *metrics.Recorder
	timeout  time.Duration

	mu       sync.RWMutex
	block    uint64
	gasPrice *big.Int
}

// Network returns the network configuration of the backend.
func (b *Backend) Network() config.NetworkConfig { return b.network }

// Endpoint returns the URL the backend is connected to.
func (b *Backend) Endpoint() string { return b.endpoint }

// Block returns the last known block height.
func (b *Backend) Block() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.block
}

// GasPrice returns the last known gas price in gwei.
func (b *Backend) GasPrice() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return WeiToGwei(b.gasPrice)
}

func (b *Backend) setBlock(n uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= b.block {
		return false
	}
	b.block = n
	return true
}

func (b *Backend) setGasPrice(p *big.Int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gasPrice != nil && b.gasPrice.Cmp(p) == 0 {
		return false
	}
	b.gasPrice = new(big.Int).Set(p)
	return true
}

// call runs fn through the limiter and breaker and times it.
func call[T any](ctx context.Context, b *Backend, method string, fn func(ctx context.Context, c Client) (T, error)) (T, error) {
	var zero T
	b.limiter.Take()
	start := time.Now()
	defer b.metrics.ObserveRequest(b.network.Shortcut, method, start)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return fn(ctx, b.client)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, errors.Wrapf(ErrBackendUnavailable, "%s: %v", b.network.Shortcut, err)
		}
		return zero, errors.Wrap(err, method)
	}
	return res.(T), nil
}

// BlockNumber fetches the current height and caches it.
func (b *Backend) BlockNumber(ctx context.Context) (uint64, bool, error) {
	n, err := call(ctx, b, "block_number", func(ctx context.Context, c Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
	if err != nil {
		return 0, false, err
	}
	return n, b.setBlock(n), nil
}

// GetBalance returns the balance of address in ether.
func (b *Backend) GetBalance(ctx context.Context, address string) (string, error) {
	wei, err := call(ctx, b, "get_balance", func(ctx context.Context, c Client) (*big.Int, error) {
		return c.BalanceAt(ctx, common.HexToAddress(address), nil)
	})
	if err != nil {
		return "", err
	}
	return FromWei(wei, 18), nil
}

// GetNonce returns the confirmed transaction count of address.
func (b *Backend) GetNonce(ctx context.Context, address string) (uint64, error) {
	return call(ctx, b, "get_nonce", func(ctx context.Context, c Client) (uint64, error) {
		return c.NonceAt(ctx, common.HexToAddress(address), nil)
	})
}

// DiscoverAccount queries balance and nonce of address.
func (b *Backend) DiscoverAccount(ctx context.Context, address string) (models.AccountInfo, error) {
	balance, err := b.GetBalance(ctx, address)
	if err != nil {
		return models.AccountInfo{}, err
	}
	nonce, err := b.GetNonce(ctx, address)
	if err != nil {
		return models.AccountInfo{}, err
	}
	return models.AccountInfo{
		Address: address,
		Balance: balance,
		Nonce:   nonce,
		Block:   b.Block(),
	}, nil
}

// GetGasPrice returns the suggested gas price in gwei.
func (b *Backend) GetGasPrice(ctx context.Context) (string, error) {
	price, err := call(ctx, b, "gas_price", func(ctx context.Context, c Client) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", err
	}
	b.setGasPrice(price)
	return WeiToGwei(price), nil
}

// UpdateGasPrice refreshes the cached gas price and reports whether it changed.
func (b *Backend) UpdateGasPrice(ctx context.Context) (string, bool, error) {
	price, err := call(ctx, b, "gas_price", func(ctx context.Context, c Client) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", false, err
	}
	changed := b.setGasPrice(price)
	return WeiToGwei(price), changed, nil
}

// EstimateGasLimit asks the node how much gas a call needs.
func (b *Backend) EstimateGasLimit(ctx context.Context, req EstimateRequest) (uint64, error) {
	to := common.Address{}
	if req.To != "" {
		to = common.HexToAddress(req.To)
	}
	data, err := decodeData(req.Data)
	if err != nil {
		return 0, err
	}
	value, err := ToWei(req.Value, 18)
	if err != nil {
		return 0, err
	}
	msg := ethereum.CallMsg{To: &to, Data: data, Value: value}
	if req.GasPrice != "" {
		if msg.GasPrice, err = GweiToWei(req.GasPrice); err != nil {
			return 0, err
		}
	}
	return call(ctx, b, "estimate_gas", func(ctx context.Context, c Client) (uint64, error) {
		return c.EstimateGas(ctx, msg)
	})
}

type txLookup struct {
	tx      *types.Transaction
	pending bool
}

// GetTransaction returns nil without error when the node does not know the transaction.
func (b *Backend) GetTransaction(ctx context.Context, id string) (*models.TxStatus, error) {
	res, err := call(ctx, b, "get_transaction", func(ctx context.Context, c Client) (txLookup, error) {
		tx, pending, err := c.TransactionByHash(ctx, common.HexToHash(id))
		if errors.Is(err, ethereum.NotFound) {
			return txLookup{}, nil
		}
		return txLookup{tx: tx, pending: pending}, err
	})
	if err != nil || res.tx == nil {
		return nil, err
	}
	st := &models.TxStatus{
		Hash:     res.tx.Hash().Hex(),
		Gas:      res.tx.Gas(),
		Nonce:    res.tx.Nonce(),
		Pending:  res.pending,
		Value:    FromWei(res.tx.Value(), 18),
		GasPrice: WeiToGwei(res.tx.GasPrice()),
	}
	if res.tx.To() != nil {
		st.To = res.tx.To().Hex()
	}
	return st, nil
}

// GetTransactionReceipt returns nil without error while the transaction is not mined.
func (b *Backend) GetTransactionReceipt(ctx context.Context, id string) (*models.TxReceipt, error) {
	receipt, err := call(ctx, b, "get_receipt", func(ctx context.Context, c Client) (*types.Receipt, error) {
		r, err := c.TransactionReceipt(ctx, common.HexToHash(id))
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil || receipt == nil {
		return nil, err
	}
	out := &models.TxReceipt{
		Hash:    receipt.TxHash.Hex(),
		GasUsed: receipt.GasUsed,
		Status:  receipt.Status,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// PushTransaction broadcasts a hex encoded signed transaction and returns its id.
func (b *Backend) PushTransaction(ctx context.Context, raw string) (string, error) {
	data, err := hexutil.Decode(ensurePrefix(raw))
	if err != nil {
		return "", errors.Wrap(err, "decode raw transaction")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return "", errors.Wrap(err, "decode raw transaction")
	}
	_, err = call(ctx, b, "push_transaction", func(ctx context.Context, c Client) (struct{}, error) {
		return struct{}{}, c.SendTransaction(ctx, tx)
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (b *Backend) contractCall(ctx context.Context, contract string, data []byte) ([]byte, error) {
	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}
	return call(ctx, b, "call_contract", func(ctx context.Context, c Client) ([]byte, error) {
		return c.CallContract(ctx, msg, nil)
	})
}

// GetTokenInfo reads name, symbol and decimals of an ERC-20 contract.
func (b *Backend) GetTokenInfo(ctx context.Context, address string) (models.TokenInfo, error) {
	info := models.TokenInfo{Address: common.HexToAddress(address).Hex()}

	raw, err := b.contractCall(ctx, address, selectorDecimals)
	if err != nil {
		return models.TokenInfo{}, err
	}
	if len(raw) == 0 {
		return models.TokenInfo{}, errors.Errorf("%s is not a token contract", address)
	}
	info.Decimals = int(new(big.Int).SetBytes(raw).Int64())

	if raw, err = b.contractCall(ctx, address, selectorSymbol); err != nil {
		return models.TokenInfo{}, err
	}
	info.Symbol = decodeString(raw)

	if raw, err = b.contractCall(ctx, address, selectorName); err != nil {
		return models.TokenInfo{}, err
	}
	info.Name = decodeString(raw)
	return info, nil
}

// GetTokenBalance reads the balance of token.EthAddress in token units.
func (b *Backend) GetTokenBalance(ctx context.Context, token models.Token) (string, error) {
	data := make([]byte, 4+32)
	copy(data[0:4], selectorBalanceOf)
	copy(data[4+12:], common.HexToAddress(token.EthAddress).Bytes())

	raw, err := b.contractCall(ctx, token.Address, data)
	if err != nil {
		return "", err
	}
	return FromWei(new(big.Int).SetBytes(raw), int32(token.Decimals)), nil
}

// decodeString handles both string and bytes32 return values.
func decodeString(res []byte) string {
	if len(res) == 32 {
		return string(bytes.TrimRight(res, "\x00"))
	}
	if len(res) >= 64 {
		length := new(big.Int).SetBytes(res[32:64])
		if length.Sign() > 0 && length.IsUint64() && length.Uint64() <= uint64(len(res)-64) {
			return string(res[64 : 64+int(length.Uint64())])
		}
	}
	return ""
}

func ensurePrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// decodeData decodes hex call data, left padding odd lengths.
func decodeData(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	data, err := hexutil.Decode("0x" + s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid data")
	}
	return data, nil
}
