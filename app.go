package main

import (
	"context"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/device"
	"hwwallet/pkg/device/emulator"
	"hwwallet/pkg/discovery"
	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"
	"hwwallet/pkg/pending"
	"hwwallet/pkg/rpc"
	"hwwallet/pkg/send"
	"hwwallet/pkg/server"
	"hwwallet/pkg/session"
	"hwwallet/pkg/state"
	"hwwallet/pkg/watcher"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired components of one wallet instance.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	bus      *events.Bus
	store    *state.Store
	metrics  *metrics.Recorder
	gateway  *rpc.Gateway
	emulator *emulator.Emulator
	device   models.Device

	discovery *discovery.Controller
	tracker   *pending.Tracker
	watcher   *watcher.Watcher
	send      *send.Orchestrator
	drafts    session.Store
	sink      *events.KafkaSink

	closers []func()
}

func newApp(cfg config.Config, mnemonic, passphrase string, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(logger.Named("events")),
		store:   state.NewStore(),
		metrics: metrics.NewRecorder(nil),
	}
	g := cfg.Global

	emu, err := emulator.New("emulator", mnemonic, passphrase,
		emulator.WithLabel("hwwallet emulator"),
		emulator.WithLogger(logger.Named("emulator")))
	if err != nil {
		return nil, errors.Wrap(err, "device")
	}
	a.emulator = emu
	a.device = models.Device{
		ID:                 "emulator",
		Path:               "emulator:0",
		State:              emu.State(),
		Label:              "hwwallet emulator",
		Connected:          true,
		Available:          true,
		UseEmptyPassphrase: passphrase == "",
	}

	a.gateway = rpc.NewGateway(cfg.Networks,
		rpc.WithRetryPolicy(rpc.RetryPolicy{
			MaxAttempts: g.RetryMaxAttempts,
			Backoff:     time.Duration(g.RetryBackoffMillis) * time.Millisecond,
			MaxBackoff:  time.Duration(g.RetryMaxBackoffMillis) * time.Millisecond,
		}),
		rpc.WithRateLimit(g.RequestsPerSecond),
		rpc.WithTimeout(config.Duration(g.RequestTimeoutSeconds)),
		rpc.WithPollInterval(config.Duration(g.BlockPollSeconds)),
		rpc.WithDispatcher(a.bus),
		rpc.WithMetrics(a.metrics),
		rpc.WithLogger(logger.Named("rpc")))
	a.closers = append(a.closers, a.gateway.Close)

	ttl := time.Duration(g.DraftTTLMinutes) * time.Minute
	switch g.DraftStore {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: g.RedisAddr})
		a.drafts = session.NewRedisStore(client, ttl)
		a.closers = append(a.closers, func() { _ = client.Close() })
	default:
		a.drafts = session.NewMemoryStore(ttl)
	}

	sessions := device.NewSessions()

	a.discovery = discovery.NewController(emu, a.gateway, a.store, a.bus,
		discovery.WithSessions(sessions),
		discovery.WithMetrics(a.metrics),
		discovery.WithLogger(logger.Named("discovery")))

	a.tracker = pending.NewTracker(a.gateway, a.store, a.bus,
		pending.WithMetrics(a.metrics),
		pending.WithLogger(logger.Named("pending")))

	a.watcher = watcher.NewWatcher(a.gateway, a.store, a.bus,
		watcher.WithResolver(a.tracker),
		watcher.WithInterval(config.Duration(g.PendingPollSeconds)),
		watcher.WithLogger(logger.Named("watcher")))

	a.send = send.NewOrchestrator(emu, a.gateway, a.store, a.drafts, a.bus,
		send.WithSessions(sessions),
		send.WithMetrics(a.metrics),
		send.WithLogger(logger.Named("send")))

	// The store reduces events before the components reacting to them read it.
	a.bus.Handle(a.store)
	a.bus.Handle(a.watcher)
	a.bus.Handle(a.send)
	a.bus.Handle(events.DispatcherFunc(a.onEvent))

	if len(g.KafkaBrokers) > 0 {
		a.sink = events.NewKafkaSink(g.KafkaBrokers, g.KafkaTopic, logger.Named("kafka"))
	}
	return a, nil
}

// onEvent resumes discovery when a backend comes back and logs notifications.
func (a *app) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.BackendConnected:
		go func() {
			if err := a.discovery.Restore(context.Background()); err != nil {
				a.logger.Warn("restore discovery", zap.String("network", e.Network), zap.Error(err))
			}
		}()
	case events.Notification:
		a.logger.Info("notification",
			zap.String("level", string(e.Level)),
			zap.String("title", e.Title),
			zap.String("message", e.Message))
	}
}

// connect selects the emulator as the active device.
func (a *app) connect(ctx context.Context) error {
	return a.discovery.DeviceConnected(ctx, a.device)
}

// run starts the background loops and blocks until ctx is done.
func (a *app) run(ctx context.Context, addr string) error {
	if a.sink != nil {
		sub := a.bus.Subscribe()
		go a.sink.Run(ctx, sub)
		a.closers = append(a.closers, func() {
			a.bus.Unsubscribe(sub)
			_ = a.sink.Close()
		})
	}

	a.watcher.Start(ctx)
	a.closers = append(a.closers, a.watcher.Stop)
	go a.tracker.Run(ctx, config.Duration(a.cfg.Global.PendingPollSeconds))

	if err := a.connect(ctx); err != nil {
		a.logger.Warn("device connect", zap.Error(err))
	}
	go func() {
		if err := a.discovery.Check(ctx, a.cfg.Selected().Shortcut); err != nil {
			a.logger.Warn("initial discovery", zap.Error(err))
		}
	}()

	srv := server.NewServer(a.discovery, a.store, a.bus,
		server.WithMetrics(a.metrics.Handler()),
		server.WithNetworks(a.gateway.Networks),
		server.WithLogger(a.logger.Named("server")))
	return srv.Start(ctx, addr)
}

// account picks a discovered account of the device by address, or by index
// when from is empty.
func (a *app) account(network, from string, index uint32) (models.Account, error) {
	if from == "" {
		acc, ok := a.store.Account(a.device.State, network, index)
		if !ok {
			return models.Account{}, errors.Errorf("account #%d not found on %s", index, network)
		}
		return acc, nil
	}
	acc, ok := a.store.AccountByAddress(network, from)
	if !ok || acc.DeviceState != a.device.State {
		return models.Account{}, errors.Errorf("account %s not found on %s", from, network)
	}
	return acc, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
