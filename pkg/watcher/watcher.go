package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/events"
	"hwwallet/pkg/models"

	"go.uber.org/zap"
)

// DataSource defines the backend calls used to refresh accounts and tokens.
type DataSource interface {
	Network(name string) (config.NetworkConfig, error)
	DiscoverAccount(ctx context.Context, network, address string) (models.AccountInfo, error)
	GetTokenInfo(ctx context.Context, network, address string) (models.TokenInfo, error)
	GetTokenBalance(ctx context.Context, token models.Token) (string, error)
}

// Store reads the accounts and token balances already recorded.
type Store interface {
	Accounts(deviceState, network string) []models.Account
	Tokens(network, owner string) []models.Token
}

// Resolver reconciles pending transactions of a network.
type Resolver interface {
	Resolve(ctx context.Context, network string) error
}

// Watcher refreshes recorded accounts whenever a network reports a new block.
type Watcher struct {
	dataSource DataSource
	store      Store
	resolver   Resolver
	dispatcher events.Dispatcher
	logger     *zap.Logger
	interval   time.Duration

	mu       sync.Mutex
	networks map[string]bool
	queue    chan string
	stopChan chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithResolver(r Resolver) Option { return func(w *Watcher) { w.resolver = r } }

func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithInterval sets the period of the full refresh that runs besides block updates.
func WithInterval(d time.Duration) Option { return func(w *Watcher) { w.interval = d } }

// NewWatcher creates a new Watcher instance.
func NewWatcher(ds DataSource, store Store, dispatcher events.Dispatcher, opts ...Option) *Watcher {
	w := &Watcher{
		dataSource: ds,
		store:      store,
		dispatcher: dispatcher,
		interval:   30 * time.Second,
		networks:   make(map[string]bool),
		queue:      make(chan string, 100),
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.L().Named("watcher")
	}
	return w
}

// Dispatch queues a refresh of the network of every BlockUpdated event.
func (w *Watcher) Dispatch(ev events.Event) {
	e, ok := ev.(events.BlockUpdated)
	if !ok {
		return
	}
	w.mu.Lock()
	w.networks[e.Network] = true
	w.mu.Unlock()
	select {
	case w.queue <- e.Network:
	default:
		w.logger.Debug("refresh queue full", zap.String("network", e.Network))
	}
}

// Start begins the monitoring loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.pollingLoop(ctx)
}

// Stop stops the monitoring loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

func (w *Watcher) pollingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case network := <-w.queue:
			w.Refresh(ctx, network)
		case <-ticker.C:
			w.RefreshAll(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RefreshAll refreshes every network that reported a block so far.
func (w *Watcher) RefreshAll(ctx context.Context) {
	w.mu.Lock()
	networks := make([]string, 0, len(w.networks))
	for n := range w.networks {
		networks = append(networks, n)
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, n := range networks {
		wg.Add(1)
		go func(network string) {
			defer wg.Done()
			w.Refresh(ctx, network)
		}(n)
	}
	wg.Wait()
}

// Refresh reloads balance and nonce of every account on network, then its
// token balances, then resolves pending transactions.
func (w *Watcher) Refresh(ctx context.Context, network string) {
	network = strings.ToLower(network)
	cfg, err := w.dataSource.Network(network)
	if err != nil {
		w.logger.Warn("refresh skipped", zap.String("network", network), zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, acc := range w.store.Accounts("", network) {
		wg.Add(1)
		go func(a models.Account) {
			defer wg.Done()
			w.refreshAccount(ctx, a)
			for _, t := range cfg.Tokens {
				w.refreshToken(ctx, a, t)
			}
		}(acc)
	}
	wg.Wait()

	if w.resolver != nil {
		if err := w.resolver.Resolve(ctx, network); err != nil {
			w.logger.Warn("resolve pending transactions", zap.String("network", network), zap.Error(err))
		}
	}
}

func (w *Watcher) refreshAccount(ctx context.Context, acc models.Account) {
	info, err := w.dataSource.DiscoverAccount(ctx, acc.Network, acc.Address)
	if err != nil {
		w.logger.Warn("refresh account",
			zap.String("network", acc.Network),
			zap.String("address", acc.Address),
			zap.Error(err))
		return
	}
	if info.Balance == acc.Balance && info.Nonce == acc.Nonce && info.Block == acc.Block {
		return
	}
	acc.Balance = info.Balance
	acc.Nonce = info.Nonce
	acc.Block = info.Block
	acc.Transactions = info.Transactions
	acc.Empty = info.IsEmpty()
	acc.Loaded = true
	w.dispatcher.Dispatch(events.AccountUpdated{Account: acc})
}

func (w *Watcher) refreshToken(ctx context.Context, acc models.Account, tc config.TokenConfig) {
	token := models.Token{
		Network:     acc.Network,
		DeviceState: acc.DeviceState,
		EthAddress:  acc.Address,
		Address:     tc.Address,
		Name:        tc.Name,
		Symbol:      tc.Symbol,
		Decimals:    tc.Decimals,
	}
	known := false
	for _, t := range w.store.Tokens(acc.Network, acc.Address) {
		if strings.EqualFold(t.Address, tc.Address) {
			token, known = t, true
			break
		}
	}
	if !known && token.Name == "" {
		info, err := w.dataSource.GetTokenInfo(ctx, acc.Network, tc.Address)
		if err != nil {
			w.logger.Warn("token info", zap.String("token", tc.Address), zap.Error(err))
			return
		}
		token.Name = info.Name
		if info.Decimals > 0 {
			token.Decimals = info.Decimals
		}
	}

	balance, err := w.dataSource.GetTokenBalance(ctx, token)
	if err != nil {
		w.logger.Warn("token balance",
			zap.String("token", token.Symbol),
			zap.String("owner", acc.Address),
			zap.Error(err))
		return
	}
	if known && balance == token.Balance {
		return
	}
	token.Balance = balance
	w.dispatcher.Dispatch(events.TokenBalanceUpdated{Token: token})
}
