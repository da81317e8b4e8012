package send

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"hwwallet/pkg/config"
	"hwwallet/pkg/device"
	"hwwallet/pkg/events"
	"hwwallet/pkg/fees"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"
	"hwwallet/pkg/rpc"
	"hwwallet/pkg/session"
	"hwwallet/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrSigningRejected is returned when the device refused or failed to sign.
	ErrSigningRejected = errors.New("signing rejected")
	// ErrBroadcast is returned when the signed transaction could not be pushed.
	ErrBroadcast = errors.New("broadcast failed")
	// ErrNotInitialized is returned by form operations before Select.
	ErrNotInitialized = errors.New("send form not initialized")
)

// Backend is the part of the gateway the send form uses.
type Backend interface {
	fees.Estimator
	Network(name string) (config.NetworkConfig, error)
	GetGasPrice(ctx context.Context, network string) (string, error)
	PushTransaction(ctx context.Context, network, raw string) (string, error)
}

// Source reads the live account, token and pending transaction lists.
type Source interface {
	Account(deviceState, network string, index uint32) (models.Account, bool)
	Tokens(network, owner string) []models.Token
	PendingFor(network, address string) []models.PendingTransaction
}

// Orchestrator owns the send form of the selected account.
type Orchestrator struct {
	device     device.Device
	backend    Backend
	source     Source
	drafts     session.Store
	builder    Builder
	validator  Validator
	sessions   *device.Sessions
	dispatcher events.Dispatcher
	metrics    *metrics.Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	dev     models.Device
	account *models.Account
	network config.NetworkConfig
	form    models.SendFormState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithBuilder(b Builder) Option { return func(o *Orchestrator) { o.builder = b } }

func WithValidator(v Validator) Option { return func(o *Orchestrator) { o.validator = v } }

func WithSessions(s *device.Sessions) Option { return func(o *Orchestrator) { o.sessions = s } }

func WithMetrics(m *metrics.Recorder) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func NewOrchestrator(dev device.Device, backend Backend, source Source, drafts session.Store, dispatcher events.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		device:     dev,
		backend:    backend,
		source:     source,
		drafts:     drafts,
		dispatcher: dispatcher,
		builder:    EthereumBuilder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = NewFieldValidator()
	}
	if o.sessions == nil {
		o.sessions = device.NewSessions()
	}
	if o.logger == nil {
		o.logger = zap.L().Named("send")
	}
	return o
}

// Form returns a snapshot of the current form.
func (o *Orchestrator) Form() models.SendFormState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.form.Clone()
}

// Select binds the form to acc of device dev and initializes it.
func (o *Orchestrator) Select(ctx context.Context, dev models.Device, acc models.Account) error {
	n, err := o.backend.Network(acc.Network)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.dev = dev
	o.account = &acc
	o.network = n
	o.form = models.SendFormState{}
	o.mu.Unlock()
	return o.Init(ctx)
}

// Init restores the saved draft of the selected account or builds a fresh form.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.account == nil {
		o.mu.Unlock()
		return ErrNotInitialized
	}
	acc, n := *o.account, o.network
	o.mu.Unlock()

	form, ok, err := o.drafts.LoadDraft(ctx, session.DraftKey(acc))
	if err != nil {
		o.logger.Warn("load draft", zap.String("account", acc.Address), zap.Error(err))
	}
	if !ok || !form.Initialized() {
		form = o.fresh(ctx, n)
	}

	o.mu.Lock()
	o.form = form
	o.mu.Unlock()
	o.dispatcher.Dispatch(events.SendInit{State: form.Clone()})
	_, err = o.validate(ctx)
	return err
}

func (o *Orchestrator) fresh(ctx context.Context, n config.NetworkConfig) models.SendFormState {
	gasPrice, err := o.backend.GetGasPrice(ctx, strings.ToLower(n.Shortcut))
	if err != nil {
		o.logger.Warn("gas price unavailable, using default", zap.String("network", n.Shortcut), zap.Error(err))
		gasPrice = n.DefaultGasPrice
	}
	gasLimit := strconv.FormatUint(n.DefaultGasLimit, 10)
	levels := fees.GetFeeLevels(n.Symbol, gasPrice, gasLimit, models.FeeLevel{})
	selected := fees.GetSelectedFeeLevel(levels, models.FeeLevel{Value: fees.Normal})
	return models.SendFormState{
		NetworkName:         strings.ToLower(n.Shortcut),
		NetworkSymbol:       n.Symbol,
		Currency:            n.Symbol,
		GasLimit:            gasLimit,
		GasPrice:            selected.GasPrice,
		RecommendedGasPrice: gasPrice,
		Nonce:               "0",
		FeeLevels:           levels,
		SelectedFeeLevel:    selected,
		Untouched:           true,
		Total:               "0",
		Errors:              map[string]string{},
		Warnings:            map[string]string{},
		Infos:               map[string]string{},
	}
}

// current returns the freshest record of the selected account.
func (o *Orchestrator) current(acc models.Account) models.Account {
	if o.source == nil {
		return acc
	}
	if fresh, ok := o.source.Account(acc.DeviceState, acc.Network, acc.Index); ok {
		return fresh
	}
	return acc
}

func (o *Orchestrator) input(acc models.Account, n config.NetworkConfig) Input {
	in := Input{Account: o.current(acc), Network: n}
	if o.source != nil {
		in.Tokens = o.source.Tokens(acc.Network, acc.Address)
		in.PendingNonce = state.PendingNonce(o.source.PendingFor(acc.Network, acc.Address))
	}
	return in
}

// validate runs the validator on the current form and saves the result as the draft.
func (o *Orchestrator) validate(ctx context.Context) (models.SendFormState, error) {
	o.mu.Lock()
	if o.account == nil || !o.form.Initialized() {
		o.mu.Unlock()
		return models.SendFormState{}, ErrNotInitialized
	}
	acc := *o.account
	validated := o.validator.Validate(o.form, o.input(acc, o.network))
	o.form = validated
	o.mu.Unlock()

	o.dispatcher.Dispatch(events.SendValidation{State: validated.Clone()})
	if err := o.drafts.SaveDraft(ctx, session.DraftKey(acc), validated); err != nil {
		o.logger.Warn("save draft", zap.String("account", acc.Address), zap.Error(err))
	}
	return validated, nil
}

// change applies fn to a copy of the form, publishes it and validates it.
func (o *Orchestrator) change(ctx context.Context, field string, fn func(s *models.SendFormState, n config.NetworkConfig)) (models.SendFormState, error) {
	o.mu.Lock()
	if o.account == nil || !o.form.Initialized() {
		o.mu.Unlock()
		return models.SendFormState{}, ErrNotInitialized
	}
	next := o.form.Clone()
	fn(&next, o.network)
	o.form = next
	o.mu.Unlock()

	o.dispatcher.Dispatch(events.SendChange{Field: field, State: next.Clone()})
	return o.validate(ctx)
}

func defaultGasLimit(s models.SendFormState, n config.NetworkConfig) string {
	if s.IsToken() {
		return strconv.FormatUint(n.DefaultGasLimitTokens, 10)
	}
	return strconv.FormatUint(n.DefaultGasLimit, 10)
}

func (o *Orchestrator) ToggleAdvanced(ctx context.Context) (models.SendFormState, error) {
	return o.change(ctx, "advanced", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Advanced = !s.Advanced
	})
}

func (o *Orchestrator) OnAddressChange(ctx context.Context, address string) (models.SendFormState, error) {
	return o.change(ctx, "address", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Untouched = false
		s.Touched.Address = true
		s.Address = address
	})
}

func (o *Orchestrator) OnAmountChange(ctx context.Context, amount string) (models.SendFormState, error) {
	return o.change(ctx, "amount", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Untouched = false
		s.Touched.Amount = true
		s.SetMax = false
		s.Amount = amount
	})
}

// OnCurrencyChange switches between the network coin and a token and resets the gas limit.
func (o *Orchestrator) OnCurrencyChange(ctx context.Context, currency string) (models.SendFormState, error) {
	return o.change(ctx, "currency", func(s *models.SendFormState, n config.NetworkConfig) {
		s.Currency = currency
		s.GasLimit = defaultGasLimit(*s, n)
		s.FeeLevels = fees.GetFeeLevels(n.Symbol, s.RecommendedGasPrice, s.GasLimit, s.SelectedFeeLevel)
		s.SelectedFeeLevel = fees.GetSelectedFeeLevel(s.FeeLevels, s.SelectedFeeLevel)
	})
}

func (o *Orchestrator) OnSetMax(ctx context.Context) (models.SendFormState, error) {
	return o.change(ctx, "set_max", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Untouched = false
		s.Touched.Amount = true
		s.SetMax = !s.SetMax
	})
}

// OnFeeLevelChange selects a fee level. Any level other than Custom resets the
// gas price to the level and the gas limit to its default.
func (o *Orchestrator) OnFeeLevelChange(ctx context.Context, level models.FeeLevel) (models.SendFormState, error) {
	return o.change(ctx, "fee_level", func(s *models.SendFormState, n config.NetworkConfig) {
		s.SelectedFeeLevel = level
		if level.Value == fees.Custom {
			s.Advanced = true
			return
		}
		if s.IsToken() || !s.Touched.GasLimit {
			s.GasLimit = defaultGasLimit(*s, n)
		}
		s.GasPrice = level.GasPrice
	})
}

// UpdateFeeLevels recomputes the menu from the recommended gas price.
func (o *Orchestrator) UpdateFeeLevels(ctx context.Context) (models.SendFormState, error) {
	return o.change(ctx, "fee_levels", func(s *models.SendFormState, n config.NetworkConfig) {
		s.FeeLevels = fees.GetFeeLevels(n.Symbol, s.RecommendedGasPrice, s.GasLimit, s.SelectedFeeLevel)
		s.SelectedFeeLevel = fees.GetSelectedFeeLevel(s.FeeLevels, s.SelectedFeeLevel)
		s.GasPrice = s.SelectedFeeLevel.GasPrice
		s.GasPriceNeedsUpdate = false
	})
}

// OnGasPriceChange sets a manual gas price and switches to the Custom level.
func (o *Orchestrator) OnGasPriceChange(ctx context.Context, gasPrice string) (models.SendFormState, error) {
	return o.change(ctx, "gas_price", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Untouched = false
		s.Touched.GasPrice = true
		s.GasPrice = gasPrice
		if s.SelectedFeeLevel.Value != fees.Custom {
			if custom, ok := fees.FindLevel(s.FeeLevels, fees.Custom); ok {
				s.SelectedFeeLevel = custom
			}
		}
	})
}

// OnGasLimitChange sets the gas limit and recomputes the fee labels. A limit
// other than the default switches the selection to the custom level.
func (o *Orchestrator) OnGasLimitChange(ctx context.Context, gasLimit string) (models.SendFormState, error) {
	return o.change(ctx, "gas_limit", func(s *models.SendFormState, n config.NetworkConfig) {
		if gasLimit != defaultGasLimit(*s, n) && s.SelectedFeeLevel.Value != fees.Custom {
			s.SelectedFeeLevel = models.FeeLevel{Value: fees.Custom, GasPrice: s.GasPrice}
		}
		applyGasLimit(s, n, gasLimit)
	})
}

func applyGasLimit(s *models.SendFormState, n config.NetworkConfig, gasLimit string) {
	s.CalculatingGasLimit = false
	s.Untouched = false
	s.Touched.GasLimit = true
	s.GasLimit = gasLimit
	s.FeeLevels = fees.GetFeeLevels(n.Symbol, s.RecommendedGasPrice, gasLimit, s.SelectedFeeLevel)
	s.SelectedFeeLevel = fees.GetSelectedFeeLevel(s.FeeLevels, s.SelectedFeeLevel)
}

// SetDefaultGasLimit restores the network default gas limit.
func (o *Orchestrator) SetDefaultGasLimit(ctx context.Context) (models.SendFormState, error) {
	return o.change(ctx, "gas_limit", func(s *models.SendFormState, n config.NetworkConfig) {
		s.CalculatingGasLimit = false
		s.Untouched = false
		s.Touched.GasLimit = false
		s.GasLimit = defaultGasLimit(*s, n)
	})
}

func (o *Orchestrator) OnNonceChange(ctx context.Context, nonce string) (models.SendFormState, error) {
	return o.change(ctx, "nonce", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.Untouched = false
		s.Touched.Nonce = true
		s.Nonce = nonce
	})
}

// OnDataChange sets the data payload and estimates a gas limit for it. An
// estimate that completes after the payload changed again is discarded.
func (o *Orchestrator) OnDataChange(ctx context.Context, data string) (models.SendFormState, error) {
	snapshot, err := o.change(ctx, "data", func(s *models.SendFormState, _ config.NetworkConfig) {
		s.CalculatingGasLimit = true
		s.Untouched = false
		s.Touched.Data = true
		s.Data = data
	})
	if err != nil {
		return snapshot, err
	}
	return o.estimateGasLimit(ctx, snapshot)
}

func (o *Orchestrator) estimateGasLimit(ctx context.Context, snapshot models.SendFormState) (models.SendFormState, error) {
	o.mu.Lock()
	n := o.network
	o.mu.Unlock()

	req := rpc.EstimateRequest{
		To:       snapshot.Address,
		Data:     snapshot.Data,
		Value:    snapshot.Amount,
		GasPrice: snapshot.GasPrice,
	}
	if !common.IsHexAddress(req.To) {
		req.To = ""
	}
	if _, err := decimal.NewFromString(req.Value); err != nil {
		req.Value = ""
	}
	limit, estErr := fees.EstimateGasLimit(ctx, o.backend, snapshot.NetworkName, req, snapshot.GasLimit, strconv.FormatUint(n.DefaultGasLimit, 10))
	if estErr != nil {
		o.logger.Warn("estimate gas limit", zap.String("network", snapshot.NetworkName), zap.Error(estErr))
	}

	o.mu.Lock()
	stale := o.form.Data != snapshot.Data
	o.mu.Unlock()
	if stale {
		o.logger.Debug("discarding stale gas limit estimate", zap.String("data", snapshot.Data))
		return o.Form(), nil
	}
	return o.change(ctx, "gas_limit", func(s *models.SendFormState, n config.NetworkConfig) {
		if s.Data != snapshot.Data {
			return
		}
		applyGasLimit(s, n, limit)
	})
}

// OnGasPriceUpdated reacts to a new recommended gas price of network. An
// untouched form follows the new price. Otherwise the change is only flagged.
func (o *Orchestrator) OnGasPriceUpdated(ctx context.Context, network, gasPrice string) (models.SendFormState, error) {
	o.mu.Lock()
	skip := !o.form.Initialized() || !strings.EqualFold(o.form.NetworkName, network) || o.form.RecommendedGasPrice == gasPrice
	o.mu.Unlock()
	if skip {
		return o.Form(), nil
	}
	return o.change(ctx, "recommended_gas_price", func(s *models.SendFormState, n config.NetworkConfig) {
		s.RecommendedGasPrice = gasPrice
		if !s.Untouched && (s.Touched.GasPrice || s.SelectedFeeLevel.Value == fees.Custom) {
			s.GasPriceNeedsUpdate = true
			return
		}
		s.FeeLevels = fees.GetFeeLevels(n.Symbol, gasPrice, s.GasLimit, s.SelectedFeeLevel)
		s.SelectedFeeLevel = fees.GetSelectedFeeLevel(s.FeeLevels, s.SelectedFeeLevel)
		s.GasPrice = s.SelectedFeeLevel.GasPrice
	})
}

// Dispatch lets the orchestrator follow gas price updates from the bus.
func (o *Orchestrator) Dispatch(ev events.Event) {
	e, ok := ev.(events.GasPriceUpdated)
	if !ok {
		return
	}
	go func() {
		if _, err := o.OnGasPriceUpdated(context.Background(), e.Network, e.GasPrice); err != nil && !errors.Is(err, ErrNotInitialized) {
			o.logger.Warn("apply gas price update", zap.Error(err))
		}
	}()
}

func (o *Orchestrator) setSending(v bool) {
	o.mu.Lock()
	o.form.Sending = v
	o.mu.Unlock()
}

func (o *Orchestrator) fail(n config.NetworkConfig, acc models.Account, err error) {
	o.setSending(false)
	o.dispatcher.Dispatch(events.TxError{Network: acc.Network, Address: acc.Address, Error: err.Error()})
	o.dispatcher.Dispatch(events.NewNotification(events.LevelError, "Transaction error", err.Error()))
	o.metrics.TransactionSent(strings.ToLower(n.Shortcut), err)
}

// OnSend signs the form on the device and broadcasts it. It returns the
// transaction id.
func (o *Orchestrator) OnSend(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.account == nil || !o.form.Initialized() {
		o.mu.Unlock()
		return "", ErrNotInitialized
	}
	dev, n, form := o.dev, o.network, o.form.Clone()
	acc := o.current(*o.account)
	o.mu.Unlock()

	var pending []models.PendingTransaction
	if o.source != nil {
		pending = o.source.PendingFor(acc.Network, acc.Address)
	}
	nonce := SendNonce(form, acc.Nonce, state.PendingNonce(pending))

	o.setSending(true)
	o.dispatcher.Dispatch(events.TxSending{Network: acc.Network, Address: acc.Address})

	req := TxRequest{
		Network:  n,
		From:     acc.Address,
		To:       form.Address,
		Amount:   form.Amount,
		Data:     form.Data,
		GasLimit: form.GasLimit,
		GasPrice: form.GasPrice,
		Nonce:    nonce,
	}
	if form.IsToken() {
		token, ok := n.Token(form.Currency)
		if !ok {
			err := errors.Wrapf(ErrInvalidTx, "unknown token %s", form.Currency)
			o.fail(n, acc, err)
			return "", err
		}
		req.Token = &token
	}
	body, err := o.builder.Prepare(req)
	if err != nil {
		o.fail(n, acc, err)
		return "", err
	}

	release, err := o.sessions.Acquire(ctx, dev.ID)
	if err != nil {
		o.fail(n, acc, err)
		return "", errors.Wrap(ErrSigningRejected, err.Error())
	}
	sig, err := o.device.SignTransaction(ctx, device.ParamsFor(dev, false), acc.AddressPath, body)
	release()
	if err != nil {
		o.fail(n, acc, err)
		return "", errors.Wrap(ErrSigningRejected, err.Error())
	}

	txid, err := o.broadcast(ctx, acc.Network, body, sig)
	if err != nil {
		o.fail(n, acc, err)
		return "", errors.Wrap(ErrBroadcast, err.Error())
	}

	gasLimit, _ := strconv.ParseUint(form.GasLimit, 10, 64)
	o.dispatcher.Dispatch(events.TxComplete{
		Account: acc,
		Tx: models.PendingTransaction{
			ID:          txid,
			Network:     acc.Network,
			DeviceState: acc.DeviceState,
			Address:     acc.Address,
			Currency:    form.Currency,
			Amount:      form.Amount,
			Total:       form.Total,
			GasLimit:    gasLimit,
			Nonce:       nonce + 1,
			Status:      models.PendingUnresolved,
			CreatedAt:   o.now(),
		},
	})
	o.metrics.TransactionSent(acc.Network, nil)
	o.logger.Info("transaction sent",
		zap.String("network", acc.Network),
		zap.String("txid", txid),
		zap.Uint64("nonce", nonce))

	if err := o.drafts.ClearDraft(ctx, session.DraftKey(acc)); err != nil {
		o.logger.Warn("clear draft", zap.Error(err))
	}
	o.mu.Lock()
	o.form = models.SendFormState{}
	o.mu.Unlock()
	if err := o.Init(ctx); err != nil {
		o.logger.Warn("reset send form", zap.Error(err))
	}

	msg := "See transaction detail: " + txid
	if url := n.TxURL(txid); url != "" {
		msg = "See transaction detail: " + url
	}
	o.dispatcher.Dispatch(events.NewNotification(events.LevelSuccess, "Transaction success", msg))
	return txid, nil
}

func (o *Orchestrator) broadcast(ctx context.Context, network string, body device.TxBody, sig device.Signature) (string, error) {
	tx, err := body.Signed(sig)
	if err != nil {
		return "", err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", errors.Wrap(err, "serialize transaction")
	}
	return o.backend.PushTransaction(ctx, network, hexutil.Encode(raw))
}
