package send

import (
	"strconv"
	"strings"

	"hwwallet/pkg/config"
	"hwwallet/pkg/device"
	"hwwallet/pkg/rpc"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// ErrInvalidTx is returned when the form cannot be turned into a transaction.
var ErrInvalidTx = errors.New("invalid transaction")

var selectorTransfer = []byte{0xa9, 0x05, 0x9c, 0xbb}

// TxRequest is what the orchestrator asks a Builder to assemble.
type TxRequest struct {
	Network  config.NetworkConfig
	Token    *config.TokenConfig // nil for the network coin
	From     string
	To       string
	Amount   string // in currency units
	Data     string // hex, coin transfers only
	GasLimit string
	GasPrice string // gwei
	Nonce    uint64
}

// Builder assembles the unsigned transaction body handed to the device.
type Builder interface {
	Prepare(req TxRequest) (device.TxBody, error)
}

// EthereumBuilder builds legacy EIP-155 transactions. Token sends become ERC-20 transfer calls.
type EthereumBuilder struct{}

func (EthereumBuilder) Prepare(req TxRequest) (device.TxBody, error) {
	if !common.IsHexAddress(req.To) {
		return device.TxBody{}, errors.Wrapf(ErrInvalidTx, "recipient %q", req.To)
	}
	gasLimit, err := strconv.ParseUint(strings.TrimSpace(req.GasLimit), 10, 64)
	if err != nil || gasLimit == 0 {
		return device.TxBody{}, errors.Wrapf(ErrInvalidTx, "gas limit %q", req.GasLimit)
	}
	gasPrice, err := rpc.GweiToWei(req.GasPrice)
	if err != nil {
		return device.TxBody{}, errors.Wrap(ErrInvalidTx, err.Error())
	}

	body := device.TxBody{
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Nonce:    req.Nonce,
		ChainID:  req.Network.ChainID,
	}

	if req.Token != nil {
		amount, err := rpc.ToWei(req.Amount, int32(req.Token.Decimals))
		if err != nil {
			return device.TxBody{}, errors.Wrap(ErrInvalidTx, err.Error())
		}
		body.To = common.HexToAddress(req.Token.Address).Hex()
		body.Data = TransferData(req.To, amount.Bytes())
		return body, nil
	}

	value, err := rpc.ToWei(req.Amount, 18)
	if err != nil {
		return device.TxBody{}, errors.Wrap(ErrInvalidTx, err.Error())
	}
	body.To = common.HexToAddress(req.To).Hex()
	body.Value = value
	if req.Data != "" {
		data, err := hexutil.Decode(ensurePrefix(req.Data))
		if err != nil {
			return device.TxBody{}, errors.Wrapf(ErrInvalidTx, "data: %v", err)
		}
		body.Data = data
	}
	return body, nil
}

// TransferData encodes an ERC-20 transfer(to, amount) call.
func TransferData(to string, amount []byte) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, selectorTransfer...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount, 32)...)
	return data
}

func ensurePrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
