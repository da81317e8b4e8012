package events

import (
	"context"
	"encoding/json"
	"time"

	"hwwallet/pkg/models"

	"github.com/google/uuid"
)

// Kind names an event on the wire.
type Kind string

const (
	KindDiscoveryStarted           Kind = "discovery.start"
	KindDiscoveryWaitingForDevice  Kind = "discovery.waiting_for_device"
	KindDiscoveryWaitingForBackend Kind = "discovery.waiting_for_backend"
	KindDiscoveryStopped           Kind = "discovery.stop"
	KindDiscoveryCompleted         Kind = "discovery.complete"
	KindDiscoveryResumed           Kind = "discovery.resume"
	KindAccountCreated             Kind = "account.create"
	KindAccountUpdated             Kind = "account.update"
	KindPendingTxNotFound          Kind = "pending.not_found"
	KindPendingTxTokenError        Kind = "pending.token_error"
	KindPendingTxResolved          Kind = "pending.resolved"
	KindTxSending                  Kind = "send.tx_sending"
	KindTxComplete                 Kind = "send.tx_complete"
	KindTxError                    Kind = "send.tx_error"
	KindSendInit                   Kind = "send.init"
	KindSendChange                 Kind = "send.change"
	KindSendValidation             Kind = "send.validation"
	KindNotification               Kind = "notification"
	KindBackendConnected           Kind = "backend.connected"
	KindBackendDisconnected        Kind = "backend.disconnected"
	KindBlockUpdated               Kind = "backend.block_updated"
	KindGasPriceUpdated            Kind = "backend.gas_price_updated"
	KindTokenBalanceUpdated        Kind = "token.balance_updated"
	KindDeviceForgotten            Kind = "device.forgotten"
)

// Event is the closed set of domain events. Only types in this package implement it.
type Event interface {
	Kind() Kind
	event()
}

type DiscoveryStarted struct {
	Device    models.Device `json:"device"`
	Network   string        `json:"network"`
	BasePath  []uint32      `json:"base_path"`
	PublicKey string        `json:"public_key"`
	ChainCode string        `json:"chain_code"`
}

type DiscoveryWaitingForDevice struct {
	Device  models.Device `json:"device"`
	Network string        `json:"network"`
}

type DiscoveryWaitingForBackend struct {
	Device  models.Device `json:"device"`
	Network string        `json:"network"`
}

// DiscoveryStopped interrupts every unfinished process of the device.
type DiscoveryStopped struct {
	Device models.Device `json:"device"`
}

type DiscoveryCompleted struct {
	Device  models.Device `json:"device"`
	Network string        `json:"network"`
}

// DiscoveryResumed reopens a completed process for another pass.
type DiscoveryResumed struct {
	Device  models.Device `json:"device"`
	Network string        `json:"network"`
}

type AccountCreated struct {
	Account models.Account `json:"account"`
}

type AccountUpdated struct {
	Account models.Account `json:"account"`
}

type PendingTxNotFound struct {
	Tx models.PendingTransaction `json:"tx"`
}

// PendingTxTokenError reports a mined transaction whose gas usage differs from the submitted limit.
type PendingTxTokenError struct {
	Tx      models.PendingTransaction `json:"tx"`
	Receipt models.TxReceipt          `json:"receipt"`
}

type PendingTxResolved struct {
	Tx      models.PendingTransaction `json:"tx"`
	Receipt models.TxReceipt          `json:"receipt"`
}

type TxSending struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

type TxComplete struct {
	Account models.Account            `json:"account"`
	Tx      models.PendingTransaction `json:"tx"`
}

type TxError struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

type SendInit struct {
	State models.SendFormState `json:"state"`
}

type SendChange struct {
	Field string               `json:"field"`
	State models.SendFormState `json:"state"`
}

type SendValidation struct {
	State models.SendFormState `json:"state"`
}

type BackendConnected struct {
	Network  string `json:"network"`
	Endpoint string `json:"endpoint"`
	Block    uint64 `json:"block"`
	GasPrice string `json:"gas_price"`
}

type BackendDisconnected struct {
	Network string `json:"network"`
	Error   string `json:"error,omitempty"`
}

type BlockUpdated struct {
	Network string `json:"network"`
	Block   uint64 `json:"block"`
}

type GasPriceUpdated struct {
	Network  string `json:"network"`
	GasPrice string `json:"gas_price"` // gwei
}

type TokenBalanceUpdated struct {
	Token models.Token `json:"token"`
}

type DeviceForgotten struct {
	Device models.Device `json:"device"`
}

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Action is a callback offered with a notification.
type Action struct {
	Label    string                          `json:"label"`
	Callback func(ctx context.Context) error `json:"-"`
}

// Notification is a user facing message, optionally carrying a retry action.
type Notification struct {
	ID         uuid.UUID `json:"id"`
	Level      Level     `json:"level"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Cancelable bool      `json:"cancelable"`
	Actions    []Action  `json:"actions,omitempty"`
}

// NewNotification builds a notification with a fresh id.
func NewNotification(level Level, title, message string, actions ...Action) Notification {
	return Notification{
		ID:         uuid.New(),
		Level:      level,
		Title:      title,
		Message:    message,
		Cancelable: true,
		Actions:    actions,
	}
}

// Retry returns the first action of the notification, if any.
func (n Notification) Retry() (Action, bool) {
	if len(n.Actions) == 0 {
		return Action{}, false
	}
	return n.Actions[0], true
}

func (DiscoveryStarted) Kind() Kind           { return KindDiscoveryStarted }
func (DiscoveryWaitingForDevice) Kind() Kind  { return KindDiscoveryWaitingForDevice }
func (DiscoveryWaitingForBackend) Kind() Kind { return KindDiscoveryWaitingForBackend }
func (DiscoveryStopped) Kind() Kind           { return KindDiscoveryStopped }
func (DiscoveryCompleted) Kind() Kind         { return KindDiscoveryCompleted }
func (DiscoveryResumed) Kind() Kind           { return KindDiscoveryResumed }
func (AccountCreated) Kind() Kind             { return KindAccountCreated }
func (AccountUpdated) Kind() Kind             { return KindAccountUpdated }
func (PendingTxNotFound) Kind() Kind          { return KindPendingTxNotFound }
func (PendingTxTokenError) Kind() Kind        { return KindPendingTxTokenError }
func (PendingTxResolved) Kind() Kind          { return KindPendingTxResolved }
func (TxSending) Kind() Kind                  { return KindTxSending }
func (TxComplete) Kind() Kind                 { return KindTxComplete }
func (TxError) Kind() Kind                    { return KindTxError }
func (SendInit) Kind() Kind                   { return KindSendInit }
func (SendChange) Kind() Kind                 { return KindSendChange }
func (SendValidation) Kind() Kind             { return KindSendValidation }
func (Notification) Kind() Kind               { return KindNotification }
func (BackendConnected) Kind() Kind           { return KindBackendConnected }
func (BackendDisconnected) Kind() Kind        { return KindBackendDisconnected }
func (BlockUpdated) Kind() Kind               { return KindBlockUpdated }
func (GasPriceUpdated) Kind() Kind            { return KindGasPriceUpdated }
func (TokenBalanceUpdated) Kind() Kind        { return KindTokenBalanceUpdated }
func (DeviceForgotten) Kind() Kind            { return KindDeviceForgotten }

func (DiscoveryStarted) event()           {}
func (DiscoveryWaitingForDevice) event()  {}
func (DiscoveryWaitingForBackend) event() {}
func (DiscoveryStopped) event()           {}
func (DiscoveryCompleted) event()         {}
func (DiscoveryResumed) event()           {}
func (AccountCreated) event()             {}
func (AccountUpdated) event()             {}
func (PendingTxNotFound) event()          {}
func (PendingTxTokenError) event()        {}
func (PendingTxResolved) event()          {}
func (TxSending) event()                  {}
func (TxComplete) event()                 {}
func (TxError) event()                    {}
func (SendInit) event()                   {}
func (SendChange) event()                 {}
func (SendValidation) event()             {}
func (Notification) event()               {}
func (BackendConnected) event()           {}
func (BackendDisconnected) event()        {}
func (BlockUpdated) event()               {}
func (GasPriceUpdated) event()            {}
func (TokenBalanceUpdated) event()        {}
func (DeviceForgotten) event()            {}

// Envelope is the serialized form of an event.
type Envelope struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload Event     `json:"payload"`
}

// Marshal encodes an event inside an envelope.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Envelope{Kind: ev.Kind(), Time: time.Now().UTC(), Payload: ev})
}
