package models

import "time"

// Device is the hardware signing device as seen by the wallet.
type Device struct {
	ID                 string `json:"id"`
	Path               string `json:"path"`
	Instance           int    `json:"instance,omitempty"`
	State              string `json:"state,omitempty"` // empty until the device is authenticated
	Label              string `json:"label,omitempty"`
	Connected          bool   `json:"connected"`
	Available          bool   `json:"available"`
	UseEmptyPassphrase bool   `json:"use_empty_passphrase"`
}

// DiscoveryProcess is the cursor of one discovery run, keyed by device state and network.
type DiscoveryProcess struct {
	DeviceState       string   `json:"device_state"`
	Network           string   `json:"network"`
	BasePath          []uint32 `json:"base_path"`
	PublicKey         string   `json:"public_key"`
	ChainCode         string   `json:"chain_code"`
	AccountIndex      uint32   `json:"account_index"`
	Completed         bool     `json:"completed"`
	Interrupted       bool     `json:"interrupted"`
	WaitingForDevice  bool     `json:"waiting_for_device"`
	WaitingForBackend bool     `json:"waiting_for_backend"`
}

// Started reports whether the process holds key material from the device.
func (p DiscoveryProcess) Started() bool {
	return p.PublicKey != "" && p.ChainCode != ""
}

// AccountInfo is the on-chain state of one address.
type AccountInfo struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"` // ether units
	Nonce        uint64 `json:"nonce"`
	Block        uint64 `json:"block"`
	Transactions int    `json:"transactions"`
}

// IsEmpty reports whether the address never sent a transaction and holds nothing.
func (a AccountInfo) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance == "0"
}

// Account holds a discovered account of a device on a network.
type Account struct {
	Index        uint32   `json:"index"`
	Loaded       bool     `json:"loaded"`
	Network      string   `json:"network"`
	DeviceID     string   `json:"device_id"`
	DeviceState  string   `json:"device_state"`
	Address      string   `json:"address"`
	AddressPath  []uint32 `json:"address_path"`
	Balance      string   `json:"balance"`
	Nonce        uint64   `json:"nonce"`
	Block        uint64   `json:"block"`
	Transactions int      `json:"transactions"`
	Empty        bool     `json:"empty"`
}

// Token is an ERC-20 balance tracked for an account.
type Token struct {
	Network     string `json:"network"`
	DeviceState string `json:"device_state"`
	EthAddress  string `json:"eth_address"`
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    int    `json:"decimals"`
	Balance     string `json:"balance"`
}

// TokenInfo is the metadata of an ERC-20 contract.
type TokenInfo struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// PendingStatus is the resolution state of a broadcast transaction.
type PendingStatus string

const (
	PendingUnresolved PendingStatus = "unresolved"
	PendingNotFound   PendingStatus = "not_found"
	PendingResolved   PendingStatus = "resolved"
	PendingTokenError PendingStatus = "token_error"
)

// PendingTransaction is a broadcast transaction awaiting confirmation.
type PendingTransaction struct {
	ID          string        `json:"id"`
	Network     string        `json:"network"`
	DeviceState string        `json:"device_state"`
	Address     string        `json:"address"`
	Currency    string        `json:"currency"`
	Amount      string        `json:"amount"`
	Total       string        `json:"total"`
	GasLimit    uint64        `json:"gas_limit"`
	Nonce       uint64        `json:"nonce"` // nonce expected for the next transaction
	Status      PendingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Rejected reports whether the backend no longer knows the transaction.
func (p PendingTransaction) Rejected() bool {
	return p.Status == PendingNotFound
}

// TxStatus is what the backend reports about a broadcast transaction.
type TxStatus struct {
	Hash     string `json:"hash"`
	Gas      uint64 `json:"gas"`
	Nonce    uint64 `json:"nonce"`
	Pending  bool   `json:"pending"`
	To       string `json:"to,omitempty"`
	Value    string `json:"value"`
	GasPrice string `json:"gas_price"`
}

// TxReceipt is the receipt of a mined transaction.
type TxReceipt struct {
	Hash        string `json:"hash"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
	Status      uint64 `json:"status"`
}

// FeeLevel is one entry of the fee menu.
type FeeLevel struct {
	Value    string `json:"value"`
	GasPrice string `json:"gas_price"` // gwei
	Label    string `json:"label"`
}

// Touched marks send form fields edited by the user.
type Touched struct {
	Address  bool `json:"address"`
	Amount   bool `json:"amount"`
	GasLimit bool `json:"gas_limit"`
	GasPrice bool `json:"gas_price"`
	Nonce    bool `json:"nonce"`
	Data     bool `json:"data"`
}

// SendFormState is an immutable snapshot of the send form.
type SendFormState struct {
	NetworkName         string            `json:"network_name"`
	NetworkSymbol       string            `json:"network_symbol"`
	Currency            string            `json:"currency"`
	Address             string            `json:"address"`
	Amount              string            `json:"amount"`
	SetMax              bool              `json:"set_max"`
	Data                string            `json:"data"`
	GasLimit            string            `json:"gas_limit"`
	GasPrice            string            `json:"gas_price"`
	RecommendedGasPrice string            `json:"recommended_gas_price"`
	GasPriceNeedsUpdate bool              `json:"gas_price_needs_update"`
	Nonce               string            `json:"nonce"`
	FeeLevels           []FeeLevel        `json:"fee_levels"`
	SelectedFeeLevel    FeeLevel          `json:"selected_fee_level"`
	Advanced            bool              `json:"advanced"`
	Untouched           bool              `json:"untouched"`
	Touched             Touched           `json:"touched"`
	Total               string            `json:"total"`
	Errors              map[string]string `json:"errors"`
	Warnings            map[string]string `json:"warnings"`
	Infos               map[string]string `json:"infos"`
	Sending             bool              `json:"sending"`
	CalculatingGasLimit bool              `json:"calculating_gas_limit"`
}

// Initialized reports whether the form was bound to a currency.
func (s SendFormState) Initialized() bool {
	return s.Currency != ""
}

// IsToken reports whether the selected currency is not the network coin.
func (s SendFormState) IsToken() bool {
	return s.Currency != s.NetworkSymbol
}

// Clone returns a copy that shares no maps or slices with s.
func (s SendFormState) Clone() SendFormState {
	c := s
	c.FeeLevels = append([]FeeLevel(nil), s.FeeLevels...)
	c.Errors = cloneMap(s.Errors)
	c.Warnings = cloneMap(s.Warnings)
	c.Infos = cloneMap(s.Infos)
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// RPCResult holds probe results for a specific RPC URL.
type RPCResult struct {
	URL     string `json:"url"`
	Status  string `json:"status"` // "ok" or "error"
	ChainID int64  `json:"chain_id,omitempty"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NetworkProbe holds probe results for a network.
type NetworkProbe struct {
	Name            string      `json:"name"`
	Symbol          string      `json:"symbol"`
	ConfigChainID   int64       `json:"config_chain_id"`
	RPCs            []RPCResult `json:"rpcs"`
	Inconsistent    bool        `json:"inconsistent"`
	ObservedChainID int64       `json:"observed_chain_id,omitempty"`
}

// CheckReport is the outcome of a configuration check.
type CheckReport struct {
	ConfigPath           string         `json:"config_path"`
	ValidStructure       bool           `json:"valid_structure"`
	StructureErrors      []string       `json:"structure_errors,omitempty"`
	NetworkCount         int            `json:"network_count"`
	Networks             []NetworkProbe `json:"networks,omitempty"`
	InconsistentNetworks []string       `json:"inconsistent_networks,omitempty"`
	Healthy              bool           `json:"healthy"`
}
