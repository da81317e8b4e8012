package rpc

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RetryPolicy bounds connection attempts. MaxAttempts of 0 retries until the gateway closes.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// BreakerFailures is the number of consecutive failed requests that opens a backend breaker.
var BreakerFailures uint32 = 5

// Gateway owns one backend per network.
type Gateway struct {
	networks     map[string]config.NetworkConfig
	dial         Dialer
	retry        RetryPolicy
	rps          int
	timeout      time.Duration
	pollInterval time.Duration
	dispatcher   events.Dispatcher
	metrics      *metrics.Recorder
	logger       *zap.Logger
	intn         func(n int) int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	backends map[string]*Backend
	pollers  map[string]context.CancelFunc
	group    singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithDialer(d Dialer) Option { return func(g *Gateway) { g.dial = d } }

func WithRetryPolicy(p RetryPolicy) Option { return func(g *Gateway) { g.retry = p } }

// WithRateLimit caps requests per second per backend. Zero disables the limiter.
func WithRateLimit(rps int) Option { return func(g *Gateway) { g.rps = rps } }

func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }

func WithPollInterval(d time.Duration) Option { return func(g *Gateway) { g.pollInterval = d } }

func WithDispatcher(d events.Dispatcher) Option { return func(g *Gateway) { g.dispatcher = d } }

func WithMetrics(m *metrics.Recorder) Option { return func(g *Gateway) { g.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithRand replaces the endpoint picker.
func WithRand(intn func(n int) int) Option { return func(g *Gateway) { g.intn = intn } }

// NewGateway creates a gateway for networks.
func NewGateway(networks []config.NetworkConfig, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		networks:     make(map[string]config.NetworkConfig, len(networks)),
		dial:         DialEthereum,
		retry:        RetryPolicy{MaxAttempts: 5, Backoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second},
		timeout:      30 * time.Second,
		pollInterval: 15 * time.Second,
		intn:         rand.Intn,
		ctx:          ctx,
		cancel:       cancel,
		backends:     make(map[string]*Backend),
		pollers:      make(map[string]context.CancelFunc),
	}
	for _, n := range networks {
		g.networks[strings.ToLower(n.Shortcut)] = n
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.L().Named("gateway")
	}
	if g.dispatcher == nil {
		g.dispatcher = events.DispatcherFunc(func(events.Event) {})
	}
	return g
}

// Network resolves a configured network by shortcut or name.
func (g *Gateway) Network(name string) (config.NetworkConfig, error) {
	if n, ok := g.networks[strings.ToLower(name)]; ok {
		return n, nil
	}
	for _, n := range g.networks {
		if strings.EqualFold(n.Name, name) {
			return n, nil
		}
	}
	return config.NetworkConfig{}, errors.Wrap(ErrUnknownNetwork, name)
}

// Networks lists the configured network shortcuts.
func (g *Gateway) Networks() []string {
	out := make([]string, 0, len(g.networks))
	for k := range g.networks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Connected reports whether a live backend is cached for network.
func (g *Gateway) Connected(network string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.backends[strings.ToLower(network)]
	return ok
}

// Connect returns the cached backend or establishes one. Concurrent callers for
// the same network share a single connection attempt.
func (g *Gateway) Connect(ctx context.Context, network string) (*Backend, error) {
	n, err := g.Network(network)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(n.Shortcut)

	g.mu.RLock()
	b, ok := g.backends[key]
	g.mu.RUnlock()
	if ok {
		return b, nil
	}

	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.establish(n)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Backend), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ErrBackendUnavailable, ctx.Err().Error())
	}
}

func (g *Gateway) establish(n config.NetworkConfig) (*Backend, error) {
	key := strings.ToLower(n.Shortcut)
	if len(n.RPCURLs) == 0 {
		return nil, errors.Wrapf(ErrBackendUnavailable, "%s has no endpoints", key)
	}

	for attempt := 1; ; attempt++ {
		url := n.RPCURLs[g.intn(len(n.RPCURLs))]
		b, err := g.open(g.ctx, n, url)
		g.metrics.BackendConnect(key, err)
		if err == nil {
			g.mu.Lock()
			g.backends[key] = b
			g.mu.Unlock()
			g.logger.Info("backend connected", zap.String("network", key), zap.String("endpoint", url), zap.Uint64("block", b.Block()))
			g.dispatcher.Dispatch(events.BackendConnected{
				Network:  key,
				Endpoint: url,
				Block:    b.Block(),
				GasPrice: b.GasPrice(),
			})
			return b, nil
		}

		g.logger.Warn("backend connect failed", zap.String("network", key), zap.String("endpoint", url), zap.Int("attempt", attempt), zap.Error(err))
		if g.retry.MaxAttempts > 0 && attempt >= g.retry.MaxAttempts {
			return nil, errors.Wrapf(ErrBackendUnavailable, "%s after %d attempts: %v", key, attempt, err)
		}
		select {
		case <-time.After(g.retry.delay(attempt)):
		case <-g.ctx.Done():
			return nil, errors.Wrapf(ErrBackendUnavailable, "%s: gateway closed", key)
		}
	}
}

func (g *Gateway) open(ctx context.Context, n config.NetworkConfig, url string) (*Backend, error) {
	key := strings.ToLower(n.Shortcut)
	dialCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	client, err := g.dial(dialCtx, url)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		network:  n,
		endpoint: url,
		client:   client,
		metrics:  g.metrics,
		timeout:  g.timeout,
		limiter:  ratelimit.NewUnlimited(),
	}
	if g.rps > 0 {
		b.limiter = ratelimit.New(g.rps)
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "backend:" + key,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				go g.drop(key, b, errors.New("circuit breaker open"))
			}
		},
	})

	block, err := client.BlockNumber(dialCtx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "block number")
	}
	price, err := client.SuggestGasPrice(dialCtx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "gas price")
	}
	b.block = block
	b.gasPrice = price
	return b, nil
}

// drop evicts b if it is still the cached backend of key.
func (g *Gateway) drop(key string, b *Backend, cause error) {
	g.mu.Lock()
	current, ok := g.backends[key]
	if !ok || current != b {
		g.mu.Unlock()
		return
	}
	delete(g.backends, key)
	g.mu.Unlock()

	b.client.Close()
	g.logger.Warn("backend dropped", zap.String("network", key), zap.String("endpoint", b.endpoint), zap.Error(cause))
	ev := events.BackendDisconnected{Network: key}
	if cause != nil {
		ev.Error = cause.Error()
	}
	g.dispatcher.Dispatch(ev)
}

// Disconnect stops updates for network and evicts its backend.
func (g *Gateway) Disconnect(network string) {
	key := strings.ToLower(network)
	g.mu.Lock()
	if stop, ok := g.pollers[key]; ok {
		stop()
		delete(g.pollers, key)
	}
	b := g.backends[key]
	g.mu.Unlock()
	if b != nil {
		g.drop(key, b, nil)
	}
}

// Close disconnects every network and aborts pending connection attempts.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.RLock()
	keys := make([]string, 0, len(g.backends)+len(g.pollers))
	for k := range g.backends {
		keys = append(keys, k)
	}
	for k := range g.pollers {
		keys = append(keys, k)
	}
	g.mu.RUnlock()
	for _, k := range keys {
		g.Disconnect(k)
	}
}

// Subscribe starts block polling for network. Calling it again is a no-op.
func (g *Gateway) Subscribe(network string) error {
	n, err := g.Network(network)
	if err != nil {
		return err
	}
	key := strings.ToLower(n.Shortcut)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pollers[key]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(g.ctx)
	g.pollers[key] = cancel
	go g.poll(ctx, key)
	return nil
}

// Subscribed reports whether network is being polled.
func (g *Gateway) Subscribed(network string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.pollers[strings.ToLower(network)]
	return ok
}

func (g *Gateway) poll(ctx context.Context, key string) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		g.PollOnce(ctx, key)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce checks the block height and gas price of network once.
func (g *Gateway) PollOnce(ctx context.Context, network string) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		g.logger.Debug("poll skipped", zap.String("network", network), zap.Error(err))
		return
	}
	key := strings.ToLower(b.network.Shortcut)
	block, advanced, err := b.BlockNumber(ctx)
	if err != nil {
		g.logger.Debug("block poll failed", zap.String("network", key), zap.Error(err))
		return
	}
	if advanced {
		g.dispatcher.Dispatch(events.BlockUpdated{Network: key, Block: block})
	}
	if _, err := g.updateGasPrice(ctx, b); err != nil {
		g.logger.Debug("gas price poll failed", zap.String("network", key), zap.Error(err))
	}
}

func (g *Gateway) updateGasPrice(ctx context.Context, b *Backend) (string, error) {
	price, changed, err := b.UpdateGasPrice(ctx)
	if err != nil {
		return "", err
	}
	if changed {
		g.dispatcher.Dispatch(events.GasPriceUpdated{Network: strings.ToLower(b.network.Shortcut), GasPrice: price})
	}
	return price, nil
}

// UpdateGasPrice refreshes the gas price of network, emitting an event on change.
func (g *Gateway) UpdateGasPrice(ctx context.Context, network string) (string, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return "", err
	}
	return g.updateGasPrice(ctx, b)
}

func (g *Gateway) DiscoverAccount(ctx context.Context, network, address string) (models.AccountInfo, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return models.AccountInfo{}, err
	}
	return b.DiscoverAccount(ctx, address)
}

func (g *Gateway) GetBalance(ctx context.Context, network, address string) (string, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return "", err
	}
	return b.GetBalance(ctx, address)
}

func (g *Gateway) GetNonce(ctx context.Context, network, address string) (uint64, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return 0, err
	}
	return b.GetNonce(ctx, address)
}

func (g *Gateway) GetGasPrice(ctx context.Context, network string) (string, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return "", err
	}
	return b.GetGasPrice(ctx)
}

func (g *Gateway) EstimateGasLimit(ctx context.Context, network string, req EstimateRequest) (uint64, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return 0, err
	}
	return b.EstimateGasLimit(ctx, req)
}

func (g *Gateway) GetTransaction(ctx context.Context, network, id string) (*models.TxStatus, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return nil, err
	}
	return b.GetTransaction(ctx, id)
}

func (g *Gateway) GetTransactionReceipt(ctx context.Context, network, id string) (*models.TxReceipt, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return nil, err
	}
	return b.GetTransactionReceipt(ctx, id)
}

func (g *Gateway) PushTransaction(ctx context.Context, network, raw string) (string, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return "", err
	}
	return b.PushTransaction(ctx, raw)
}

func (g *Gateway) GetTokenInfo(ctx context.Context, network, address string) (models.TokenInfo, error) {
	b, err := g.Connect(ctx, network)
	if err != nil {
		return models.TokenInfo{}, err
	}
	return b.GetTokenInfo(ctx, address)
}

func (g *Gateway) GetTokenBalance(ctx context.Context, token models.Token) (string, error) {
	b, err := g.Connect(ctx, token.Network)
	if err != nil {
		return "", err
	}
	return b.GetTokenBalance(ctx, token)
}
