package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"hwwallet/pkg/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeNode answers the JSON-RPC methods the gateway uses.
type fakeNode struct {
	mu          sync.Mutex
	chainID     uint64
	block       uint64
	gasPrice    *big.Int
	estimate    uint64
	balances    map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	txs         map[common.Hash]*types.Transaction
	pending     map[common.Hash]bool
	receipts    map[common.Hash]*types.Receipt
	callResults map[string]string
	failing     map[string]bool
	sent        []*types.Transaction
	calls       map[string]int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{
		chainID:     1,
		block:       0x1000,
		gasPrice:    big.NewInt(20_000_000_000),
		estimate:    21000,
		balances:    make(map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		txs:         make(map[common.Hash]*types.Transaction),
		pending:     make(map[common.Hash]bool),
		receipts:    make(map[common.Hash]*types.Receipt),
		callResults: make(map[string]string),
		failing:     make(map[string]bool),
		calls:       make(map[string]int),
	}
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) fail(method string, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[method] = on
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	result, err := n.handle(req.Method, req.Params)
	n.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if err != nil {
		resp["error"] = map[string]interface{}{"code": -32000, "message": err.Error()}
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(method string, params []json.RawMessage) (interface{}, error) {
	if n.failing[method] {
		return nil, fmt.Errorf("%s unavailable", method)
	}
	str := func(i int) string {
		var s string
		if i < len(params) {
			_ = json.Unmarshal(params[i], &s)
		}
		return s
	}

	switch method {
	case "eth_chainId":
		return hexutil.Uint64(n.chainID), nil
	case "eth_blockNumber":
		return hexutil.Uint64(n.block), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(n.gasPrice), nil
	case "eth_getBalance":
		bal := n.balances[common.HexToAddress(str(0))]
		if bal == nil {
			bal = new(big.Int)
		}
		return (*hexutil.Big)(bal), nil
	case "eth_getTransactionCount":
		return hexutil.Uint64(n.nonces[common.HexToAddress(str(0))]), nil
	case "eth_estimateGas":
		return hexutil.Uint64(n.estimate), nil
	case "eth_getTransactionByHash":
		h := common.HexToHash(str(0))
		tx, ok := n.txs[h]
		if !ok {
			return nil, nil
		}
		raw, _ := json.Marshal(tx)
		var out map[string]interface{}
		_ = json.Unmarshal(raw, &out)
		if !n.pending[h] {
			out["blockNumber"] = hexutil.Uint64(n.block)
			out["blockHash"] = common.Hash{1}.Hex()
		}
		return out, nil
	case "eth_getTransactionReceipt":
		rc, ok := n.receipts[common.HexToHash(str(0))]
		if !ok {
			return nil, nil
		}
		return rc, nil
	case "eth_sendRawTransaction":
		data, err := hexutil.Decode(str(0))
		if err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		n.sent = append(n.sent, tx)
		return tx.Hash().Hex(), nil
	case "eth_call":
		var arg map[string]string
		_ = json.Unmarshal(params[0], &arg)
		data := arg["input"]
		if data == "" {
			data = arg["data"]
		}
		data = strings.TrimPrefix(data, "0x")
		if len(data) >= 8 {
			if res, ok := n.callResults[data[:8]]; ok {
				return res, nil
			}
		}
		return "0x", nil
	}
	return "0x0", nil
}

func abiString(s string) string {
	word := func(v int) string { return fmt.Sprintf("%064x", v) }
	padded := hex.EncodeToString([]byte(s))
	for len(padded)%64 != 0 {
		padded += "0"
	}
	return "0x" + word(32) + word(len(s)) + padded
}

// recorder collects dispatched events.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Dispatch(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *recorder) last(kind events.Kind) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Kind() == kind {
			return r.evs[i]
		}
	}
	return nil
}
