package discovery

import (
	"context"
	"strings"
	"sync"

	"hwwallet/pkg/config"
	"hwwallet/pkg/derivation"
	"hwwallet/pkg/device"
	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"
	"hwwallet/pkg/rpc"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAccountQuery aborts a run when the backend fails to report an account.
	ErrAccountQuery = errors.New("account query failed")
	// ErrInterrupted is returned by a run that observed Stop or cancellation.
	ErrInterrupted = errors.New("discovery interrupted")
)

// Backend is the part of the gateway discovery drives.
type Backend interface {
	Network(name string) (config.NetworkConfig, error)
	Connect(ctx context.Context, network string) (*rpc.Backend, error)
	DiscoverAccount(ctx context.Context, network, address string) (models.AccountInfo, error)
	Subscribe(network string) error
}

// Accounts looks up accounts already recorded.
type Accounts interface {
	Account(deviceState, network string, index uint32) (models.Account, bool)
}

type processKey struct {
	state   string
	network string
}

// run carries one discovery pass for a process key.
type run struct {
	ctx     context.Context
	device  models.Device
	network config.NetworkConfig
	key     processKey
	release func()
}

// Controller walks the accounts of the selected device network by network.
type Controller struct {
	device     device.Device
	backend    Backend
	accounts   Accounts
	sessions   *device.Sessions
	dispatcher events.Dispatcher
	metrics    *metrics.Recorder
	logger     *zap.Logger

	mu        sync.Mutex
	selected  *models.Device
	processes []models.DiscoveryProcess
	runs      map[processKey]context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

func WithSessions(s *device.Sessions) Option { return func(c *Controller) { c.sessions = s } }

func WithMetrics(m *metrics.Recorder) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithProcesses seeds the controller with processes restored from storage.
func WithProcesses(p []models.DiscoveryProcess) Option {
	return func(c *Controller) { c.processes = append([]models.DiscoveryProcess(nil), p...) }
}

func NewController(dev device.Device, backend Backend, accounts Accounts, dispatcher events.Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		device:     dev,
		backend:    backend,
		accounts:   accounts,
		dispatcher: dispatcher,
		runs:       make(map[processKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessions == nil {
		c.sessions = device.NewSessions()
	}
	if c.logger == nil {
		c.logger = zap.L().Named("discovery")
	}
	return c
}

// Select makes d the device discovery runs for.
func (c *Controller) Select(d models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = &d
}

// Selected returns the selected device.
func (c *Controller) Selected() (models.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return models.Device{}, false
	}
	return *c.selected, true
}

// Processes returns a snapshot of every process.
func (c *Controller) Processes() []models.DiscoveryProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.processes)
}

// Process returns the process of deviceState on network.
func (c *Controller) Process(deviceState, network string) (models.DiscoveryProcess, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return find(c.processes, deviceState, strings.ToLower(network))
}

// Running reports whether a pass is in flight for deviceState on network.
func (c *Controller) Running(deviceState, network string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[processKey{deviceState, strings.ToLower(network)}]
	return ok
}

func (c *Controller) emit(ev events.Event) {
	c.mu.Lock()
	c.processes = Reduce(c.processes, ev)
	c.mu.Unlock()
	c.dispatcher.Dispatch(ev)
}

func (c *Controller) notify(title string, err error, retry func(ctx context.Context) error) {
	var actions []events.Action
	if retry != nil {
		actions = append(actions, events.Action{Label: "Try again", Callback: retry})
	}
	c.dispatcher.Dispatch(events.NewNotification(events.LevelError, title, err.Error(), actions...))
}

// Start runs discovery for device on network and blocks until the pass ends.
// Calls for a device that is not selected, not authenticated or busy elsewhere
// return nil without doing anything, as does a call for a pass already running.
func (c *Controller) Start(ctx context.Context, dev models.Device, network string, ignoreCompleted bool) error {
	sel, ok := c.Selected()
	if !ok || sel.Path != dev.Path {
		c.logger.Debug("start skipped: device not selected", zap.String("path", dev.Path))
		return nil
	}
	if sel.State == "" {
		c.logger.Debug("start skipped: device not authenticated", zap.String("path", sel.Path))
		return nil
	}
	if sel.Connected && !sel.Available {
		c.logger.Debug("start skipped: device unavailable", zap.String("path", sel.Path))
		return nil
	}

	n, err := c.backend.Network(network)
	if err != nil {
		return err
	}
	key := processKey{state: sel.State, network: strings.ToLower(n.Shortcut)}
	proc, found := c.Process(key.state, key.network)

	if !sel.Connected && (!found || !proc.Completed) {
		c.emit(events.DiscoveryWaitingForDevice{Device: sel, Network: key.network})
		return nil
	}

	if _, err := c.backend.Connect(ctx, key.network); err != nil {
		c.logger.Warn("backend unavailable", zap.String("network", key.network), zap.Error(err))
		c.emit(events.DiscoveryWaitingForBackend{Device: sel, Network: key.network})
		if errors.Is(err, rpc.ErrBackendUnavailable) {
			return err
		}
		return errors.Wrap(rpc.ErrBackendUnavailable, err.Error())
	}

	c.mu.Lock()
	if _, running := c.runs[key]; running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runs[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.runs, key)
		c.mu.Unlock()
		cancel()
	}()

	if found && proc.Completed && !ignoreCompleted {
		c.emit(events.DiscoveryCompleted{Device: sel, Network: key.network})
		return nil
	}

	release, err := c.sessions.Acquire(runCtx, sel.ID)
	if err != nil {
		return ErrInterrupted
	}
	defer release()

	r := &run{ctx: runCtx, device: sel, network: n, key: key, release: release}
	switch {
	case !found, proc.Interrupted, proc.WaitingForDevice, !proc.Started():
		err = c.begin(r)
	default:
		err = c.discover(r)
	}

	switch {
	case err == nil:
		c.metrics.DiscoveryRun(key.network, "completed")
	case errors.Is(err, ErrInterrupted):
		c.metrics.DiscoveryRun(key.network, "interrupted")
	default:
		c.metrics.DiscoveryRun(key.network, "error")
	}
	return err
}

func (c *Controller) retry(dev models.Device, network string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return c.Start(ctx, dev, network, false)
	}
}

func (c *Controller) interrupted(r *run) bool {
	if r.ctx.Err() != nil {
		return true
	}
	p, ok := c.Process(r.key.state, r.key.network)
	return !ok || p.Interrupted
}

// begin fetches the account key from the device and starts a fresh pass.
func (c *Controller) begin(r *run) error {
	c.emit(events.DiscoveryWaitingForDevice{Device: r.device, Network: r.key.network})

	base, err := r.network.Path()
	if err != nil {
		return err
	}
	pk, err := c.device.GetPublicKey(r.ctx, device.ParamsFor(r.device, true), base)
	if c.interrupted(r) {
		return ErrInterrupted
	}
	if err != nil {
		c.logger.Warn("get public key failed", zap.String("network", r.key.network), zap.Error(err))
		c.notify("Discovery error", err, c.retry(r.device, r.key.network))
		return err
	}

	basePath := pk.Path
	if len(basePath) == 0 {
		basePath = base
	}
	c.emit(events.DiscoveryStarted{
		Device:    r.device,
		Network:   r.key.network,
		BasePath:  basePath,
		PublicKey: pk.PublicKey,
		ChainCode: pk.ChainCode,
	})
	return c.discover(r)
}

// discover walks the cursor until the first empty account. A refresh of a
// completed process checks one account and stops.
func (c *Controller) discover(r *run) error {
	for {
		proc, ok := c.Process(r.key.state, r.key.network)
		if !ok || proc.Interrupted {
			return ErrInterrupted
		}
		wasCompleted := proc.Completed
		if wasCompleted {
			c.emit(events.DiscoveryResumed{Device: r.device, Network: r.key.network})
			proc.AccountIndex = c.refreshIndex(proc)
		}

		key, err := derivation.NewAccountKey(proc.PublicKey, proc.ChainCode)
		if err != nil {
			return err
		}
		address, err := key.Address(proc.AccountIndex)
		if err != nil {
			return err
		}

		info, err := c.backend.DiscoverAccount(r.ctx, r.key.network, address)
		if c.interrupted(r) {
			return ErrInterrupted
		}
		if err != nil {
			c.logger.Warn("account discovery failed",
				zap.String("network", r.key.network),
				zap.Uint32("index", proc.AccountIndex),
				zap.Error(err))
			c.emit(events.DiscoveryStopped{Device: r.device})
			c.notify("Account discovery error", err, c.retry(r.device, r.key.network))
			return errors.Wrapf(ErrAccountQuery, "%s account %d: %v", r.key.network, proc.AccountIndex, err)
		}

		empty := info.IsEmpty()
		if !empty || wasCompleted || proc.AccountIndex == 0 {
			c.record(r, proc, address, info, empty)
		}
		if empty {
			return c.finish(r)
		}
		if wasCompleted {
			return nil
		}
	}
}

// refreshIndex is where a refresh of a completed process starts: the trailing
// placeholder when one is recorded, the cursor otherwise.
func (c *Controller) refreshIndex(proc models.DiscoveryProcess) uint32 {
	if proc.AccountIndex == 0 {
		return 0
	}
	last := proc.AccountIndex - 1
	if acc, ok := c.accounts.Account(proc.DeviceState, proc.Network, last); ok && acc.Empty {
		return last
	}
	return proc.AccountIndex
}

func (c *Controller) record(r *run, proc models.DiscoveryProcess, address string, info models.AccountInfo, empty bool) {
	acc := models.Account{
		Index:        proc.AccountIndex,
		Loaded:       true,
		Network:      r.key.network,
		DeviceID:     r.device.ID,
		DeviceState:  r.device.State,
		Address:      address,
		AddressPath:  derivation.AddressPath(proc.BasePath, proc.AccountIndex),
		Balance:      info.Balance,
		Nonce:        info.Nonce,
		Block:        info.Block,
		Transactions: info.Transactions,
		Empty:        empty,
	}
	c.logger.Info("account discovered",
		zap.String("network", acc.Network),
		zap.Uint32("index", acc.Index),
		zap.String("address", acc.Address),
		zap.String("balance", acc.Balance),
		zap.Uint64("nonce", acc.Nonce))

	if _, exists := c.accounts.Account(acc.DeviceState, acc.Network, acc.Index); exists {
		c.emit(events.AccountUpdated{Account: acc})
		return
	}
	c.metrics.AccountDiscovered(acc.Network)
	c.emit(events.AccountCreated{Account: acc})
}

// finish releases the device session and subscribes the network to updates.
func (c *Controller) finish(r *run) error {
	if _, err := c.device.GetFeatures(r.ctx, device.ParamsFor(r.device, false)); err != nil {
		c.logger.Warn("release device session", zap.Error(err))
	}
	r.release()

	if err := c.backend.Subscribe(r.key.network); err != nil {
		c.logger.Warn("subscribe network", zap.String("network", r.key.network), zap.Error(err))
	}
	if c.interrupted(r) {
		return ErrInterrupted
	}
	c.emit(events.DiscoveryCompleted{Device: r.device, Network: r.key.network})
	return nil
}

// Stop interrupts every unfinished process of dev and cancels its passes.
func (c *Controller) Stop(dev models.Device) {
	c.emit(events.DiscoveryStopped{Device: dev})
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cancel := range c.runs {
		if k.state == dev.State {
			cancel()
		}
	}
}

// Restore resumes processes of the selected device that wait for the device or a backend.
func (c *Controller) Restore(ctx context.Context) error {
	sel, ok := c.Selected()
	if !ok || !sel.Connected || sel.State == "" {
		return nil
	}
	var networks []string
	for _, p := range c.Processes() {
		if p.DeviceState == sel.State && (p.WaitingForDevice || p.WaitingForBackend) {
			networks = append(networks, p.Network)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, network := range networks {
		network := network
		g.Go(func() error {
			return c.Start(ctx, sel, network, false)
		})
	}
	return g.Wait()
}

// Check starts discovery on network when the selected device has no process there yet.
func (c *Controller) Check(ctx context.Context, network string) error {
	sel, ok := c.Selected()
	if !ok {
		return nil
	}
	n, err := c.backend.Network(network)
	if err != nil {
		return err
	}
	if _, found := c.Process(sel.State, n.Shortcut); found {
		return nil
	}
	return c.Start(ctx, sel, n.Shortcut, false)
}

// DeviceConnected records the connected device and resumes waiting processes.
func (c *Controller) DeviceConnected(ctx context.Context, d models.Device) error {
	d.Connected = true
	sel, ok := c.Selected()
	if ok && sel.Path != d.Path {
		return nil
	}
	c.Select(d)
	return c.Restore(ctx)
}

// DeviceDisconnected interrupts the passes of d.
func (c *Controller) DeviceDisconnected(d models.Device) {
	c.mu.Lock()
	if c.selected != nil && c.selected.Path == d.Path {
		c.selected.Connected = false
		c.selected.Available = false
	}
	c.mu.Unlock()
	c.Stop(d)
}

// Forget drops every process and account of d.
func (c *Controller) Forget(d models.Device) {
	c.Stop(d)
	c.emit(events.DeviceForgotten{Device: d})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != nil && c.selected.Path == d.Path {
		c.selected = nil
	}
}
