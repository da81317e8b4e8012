package rpc

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNetwork(urls ...string) config.NetworkConfig {
	return config.NetworkConfig{
		Name:                  "Ethereum",
		Shortcut:              "eth",
		Symbol:                "ETH",
		ChainID:               1,
		BIP44:                 "m/44'/60'/0'/0",
		RPCURLs:               urls,
		DefaultGasPrice:       "64",
		DefaultGasLimit:       21000,
		DefaultGasLimitTokens: 200000,
	}
}

func newTestGateway(t *testing.T, urls []string, opts ...Option) (*Gateway, *recorder) {
	t.Helper()
	rec := &recorder{}
	base := []Option{
		WithDispatcher(rec),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
		WithTimeout(5 * time.Second),
	}
	g := NewGateway([]config.NetworkConfig{testNetwork(urls...)}, append(base, opts...)...)
	t.Cleanup(g.Close)
	return g, rec
}

func TestConnectSnapshotsAndCaches(t *testing.T) {
	_, srv := newFakeNode(t)
	m := metrics.NewRecorder(nil)
	g, rec := newTestGateway(t, []string{srv.URL}, WithMetrics(m))

	b, err := g.Connect(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), b.Block())
	assert.Equal(t, "20", b.GasPrice())
	assert.Equal(t, srv.URL, b.Endpoint())
	assert.True(t, g.Connected("ETH"))

	again, err := g.Connect(context.Background(), "Ethereum")
	require.NoError(t, err)
	assert.Same(t, b, again)

	assert.Equal(t, []events.Kind{events.KindBackendConnected}, rec.kinds())
	ev := rec.last(events.KindBackendConnected).(events.BackendConnected)
	assert.Equal(t, "eth", ev.Network)
	assert.Equal(t, "20", ev.GasPrice)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendConnects.WithLabelValues("eth", "ok")))
}

func TestConnectUnknownNetwork(t *testing.T) {
	g, _ := newTestGateway(t, []string{"http://unused"})
	_, err := g.Connect(context.Background(), "btc")
	assert.True(t, errors.Is(err, ErrUnknownNetwork))
}

func TestNetworksSorted(t *testing.T) {
	etc := testNetwork("http://unused")
	etc.Shortcut = "ETC"
	g := NewGateway([]config.NetworkConfig{testNetwork("http://unused"), etc})
	t.Cleanup(g.Close)

	assert.Equal(t, []string{"etc", "eth"}, g.Networks())
}

func TestConnectDeduplicatesConcurrentAttempts(t *testing.T) {
	_, srv := newFakeNode(t)
	var dials int32
	dialer := func(ctx context.Context, url string) (Client, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(50 * time.Millisecond)
		return DialEthereum(ctx, url)
	}
	g, rec := newTestGateway(t, []string{srv.URL}, WithDialer(dialer))

	var wg sync.WaitGroup
	backends := make([]*Backend, 10)
	for i := range backends {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := g.Connect(context.Background(), "eth")
			assert.NoError(t, err)
			backends[i] = b
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	for _, b := range backends {
		assert.Same(t, backends[0], b)
	}
	assert.Len(t, rec.kinds(), 1)
}

func TestConnectStopsAfterMaxAttempts(t *testing.T) {
	var dials int32
	dialer := func(ctx context.Context, url string) (Client, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	g, rec := newTestGateway(t, []string{"http://a", "http://b"}, WithDialer(dialer))

	_, err := g.Connect(context.Background(), "eth")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.Equal(t, int32(3), atomic.LoadInt32(&dials))
	assert.Empty(t, rec.kinds())
	assert.False(t, g.Connected("eth"))
}

func TestConnectRetriesWithNewEndpoint(t *testing.T) {
	_, srv := newFakeNode(t)
	var tried []string
	dialer := func(ctx context.Context, url string) (Client, error) {
		tried = append(tried, url)
		if url == "http://dead" {
			return nil, errors.New("connection refused")
		}
		return DialEthereum(ctx, url)
	}
	picks := []int{0, 1}
	intn := func(n int) int {
		p := picks[0]
		picks = picks[1:]
		return p
	}
	g, _ := newTestGateway(t, []string{"http://dead", srv.URL}, WithDialer(dialer), WithRand(intn))

	b, err := g.Connect(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, srv.URL, b.Endpoint())
	assert.Equal(t, []string{"http://dead", srv.URL}, tried)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 800*time.Millisecond, p.delay(4))
	assert.Equal(t, time.Second, p.delay(10))
}

func TestDiscoverAccount(t *testing.T) {
	node, srv := newFakeNode(t)
	addr := common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")
	node.balances[addr], _ = new(big.Int).SetString("2500000000000000000", 10)
	node.nonces[addr] = 3
	g, _ := newTestGateway(t, []string{srv.URL})

	info, err := g.DiscoverAccount(context.Background(), "eth", addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "2.5", info.Balance)
	assert.Equal(t, uint64(3), info.Nonce)
	assert.Equal(t, uint64(0x1000), info.Block)
	assert.False(t, info.IsEmpty())

	empty, err := g.DiscoverAccount(context.Background(), "eth", "0x0000000000000000000000000000000000000042")
	require.NoError(t, err)
	assert.Equal(t, "0", empty.Balance)
	assert.True(t, empty.IsEmpty())
}

func TestEstimateGasLimit(t *testing.T) {
	node, srv := newFakeNode(t)
	node.estimate = 53000
	g, _ := newTestGateway(t, []string{srv.URL})

	limit, err := g.EstimateGasLimit(context.Background(), "eth", EstimateRequest{Data: "abc", Value: "0.1", GasPrice: "20"})
	require.NoError(t, err)
	assert.Equal(t, uint64(53000), limit)

	_, err = g.EstimateGasLimit(context.Background(), "eth", EstimateRequest{Data: "zz"})
	assert.Error(t, err)
}

func signedTx(t *testing.T, nonce uint64, gas uint64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(20_000_000_000),
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(1_000_000_000_000_000_000),
	}), types.NewEIP155Signer(big.NewInt(1)), key)
	require.NoError(t, err)
	return tx
}

func TestGetTransactionAndReceipt(t *testing.T) {
	node, srv := newFakeNode(t)
	tx := signedTx(t, 7, 60000)
	node.txs[tx.Hash()] = tx
	node.receipts[tx.Hash()] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(0x1000),
		Logs:              []*types.Log{},
	}
	g, _ := newTestGateway(t, []string{srv.URL})

	st, err := g.GetTransaction(context.Background(), "eth", tx.Hash().Hex())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, uint64(60000), st.Gas)
	assert.Equal(t, uint64(7), st.Nonce)
	assert.False(t, st.Pending)
	assert.Equal(t, "1", st.Value)

	rc, err := g.GetTransactionReceipt(context.Background(), "eth", tx.Hash().Hex())
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, uint64(21000), rc.GasUsed)
	assert.Equal(t, uint64(0x1000), rc.BlockNumber)

	missing := common.Hash{9}.Hex()
	st, err = g.GetTransaction(context.Background(), "eth", missing)
	require.NoError(t, err)
	assert.Nil(t, st)
	rc, err = g.GetTransactionReceipt(context.Background(), "eth", missing)
	require.NoError(t, err)
	assert.Nil(t, rc)
}

func TestPushTransaction(t *testing.T) {
	node, srv := newFakeNode(t)
	g, _ := newTestGateway(t, []string{srv.URL})
	tx := signedTx(t, 0, 21000)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	txid, err := g.PushTransaction(context.Background(), "eth", hexutil.Encode(raw)[2:])
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), txid)
	require.Len(t, node.sent, 1)

	_, err = g.PushTransaction(context.Background(), "eth", "0xdeadbeef")
	assert.Error(t, err)
}

func TestTokenInfoAndBalance(t *testing.T) {
	node, srv := newFakeNode(t)
	node.callResults["313ce567"] = "0x0000000000000000000000000000000000000000000000000000000000000006"
	node.callResults["95d89b41"] = abiString("USDT")
	node.callResults["06fdde03"] = abiString("Tether USD")
	node.callResults["70a08231"] = "0x000000000000000000000000000000000000000000000000000000001dcd6500"
	g, _ := newTestGateway(t, []string{srv.URL})

	info, err := g.GetTokenInfo(context.Background(), "eth", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	require.NoError(t, err)
	assert.Equal(t, models.TokenInfo{
		Address:  "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		Name:     "Tether USD",
		Symbol:   "USDT",
		Decimals: 6,
	}, info)

	bal, err := g.GetTokenBalance(context.Background(), models.Token{
		Network:    "eth",
		EthAddress: "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B",
		Address:    info.Address,
		Decimals:   6,
	})
	require.NoError(t, err)
	assert.Equal(t, "500", bal)
}

func TestBreakerDropsBackend(t *testing.T) {
	prev := BreakerFailures
	BreakerFailures = 2
	defer func() { BreakerFailures = prev }()

	node, srv := newFakeNode(t)
	g, rec := newTestGateway(t, []string{srv.URL})
	_, err := g.Connect(context.Background(), "eth")
	require.NoError(t, err)

	node.fail("eth_getBalance", true)
	for i := 0; i < 2; i++ {
		_, err := g.GetBalance(context.Background(), "eth", "0x0000000000000000000000000000000000000001")
		assert.Error(t, err)
	}

	assert.Eventually(t, func() bool { return !g.Connected("eth") }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.last(events.KindBackendDisconnected) != nil }, time.Second, 10*time.Millisecond)

	node.fail("eth_getBalance", false)
	bal, err := g.GetBalance(context.Background(), "eth", "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0", bal)
	assert.True(t, g.Connected("eth"))
}

func TestPollOnceEmitsBlockAndGasPrice(t *testing.T) {
	node, srv := newFakeNode(t)
	g, rec := newTestGateway(t, []string{srv.URL})
	_, err := g.Connect(context.Background(), "eth")
	require.NoError(t, err)

	g.PollOnce(context.Background(), "eth")
	assert.Nil(t, rec.last(events.KindBlockUpdated))
	assert.Nil(t, rec.last(events.KindGasPriceUpdated))

	node.mu.Lock()
	node.block = 0x1001
	node.gasPrice = big.NewInt(30_000_000_000)
	node.mu.Unlock()

	g.PollOnce(context.Background(), "eth")
	assert.Equal(t, events.BlockUpdated{Network: "eth", Block: 0x1001}, rec.last(events.KindBlockUpdated))
	assert.Equal(t, events.GasPriceUpdated{Network: "eth", GasPrice: "30"}, rec.last(events.KindGasPriceUpdated))
}

func TestSubscribeAndDisconnect(t *testing.T) {
	node, srv := newFakeNode(t)
	g, rec := newTestGateway(t, []string{srv.URL}, WithPollInterval(time.Hour))

	require.NoError(t, g.Subscribe("eth"))
	require.NoError(t, g.Subscribe("eth"))
	assert.True(t, g.Subscribed("eth"))
	assert.Error(t, g.Subscribe("nope"))

	assert.Eventually(t, func() bool { return node.count("eth_gasPrice") >= 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, node.count("eth_blockNumber"))

	g.Disconnect("eth")
	assert.False(t, g.Subscribed("eth"))
	assert.False(t, g.Connected("eth"))
	assert.NotNil(t, rec.last(events.KindBackendDisconnected))
}

func TestProbeEndpoints(t *testing.T) {
	_, srvA := newFakeNode(t)
	nodeB, srvB := newFakeNode(t)
	nodeB.chainID = 61

	g, _ := newTestGateway(t, []string{srvA.URL, srvB.URL, "http://dead"}, WithDialer(func(ctx context.Context, url string) (Client, error) {
		if url == "http://dead" {
			return nil, errors.New("connection refused")
		}
		return DialEthereum(ctx, url)
	}))

	probe, err := g.ProbeEndpoints(context.Background(), "eth")
	require.NoError(t, err)
	require.Len(t, probe.RPCs, 3)
	assert.Equal(t, "ok", probe.RPCs[0].Status)
	assert.Empty(t, probe.RPCs[0].Error)
	assert.Equal(t, int64(61), probe.RPCs[1].ChainID)
	assert.Contains(t, probe.RPCs[1].Error, "Mismatch")
	assert.Equal(t, "error", probe.RPCs[2].Status)
	assert.True(t, probe.Inconsistent)
	assert.Equal(t, int64(1), probe.ObservedChainID)
}

func TestUnits(t *testing.T) {
	wei, err := ToWei("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())
	assert.Equal(t, "1.5", FromWei(wei, 18))

	gwei, err := GweiToWei("20")
	require.NoError(t, err)
	assert.Equal(t, "20", WeiToGwei(gwei))

	_, err = ToWei("-1", 18)
	assert.Error(t, err)
	_, err = ToWei("abc", 18)
	assert.Error(t, err)
	zero, err := ToWei("", 18)
	require.NoError(t, err)
	assert.Equal(t, int64(0), zero.Int64())
	assert.Equal(t, "0", FromWei(nil, 18))
}

func TestDecodeString(t *testing.T) {
	word := func(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }
	body := common.RightPadBytes([]byte("DAI"), 32)

	abiString := append(append(word(big.NewInt(32)), word(big.NewInt(3))...), body...)
	assert.Equal(t, "DAI", decodeString(abiString))
	assert.Equal(t, "MKR", decodeString(common.RightPadBytes([]byte("MKR"), 32)))

	huge := append(append(word(big.NewInt(32)), word(big.NewInt(math.MaxInt64-10))...), body...)
	assert.NotPanics(t, func() { assert.Equal(t, "", decodeString(huge)) })

	wide := new(big.Int).Lsh(big.NewInt(1), 200)
	overflow := append(append(word(big.NewInt(32)), word(wide)...), body...)
	assert.Equal(t, "", decodeString(overflow))

	short := append(append(word(big.NewInt(32)), word(big.NewInt(40))...), body...)
	assert.Equal(t, "", decodeString(short))
}
