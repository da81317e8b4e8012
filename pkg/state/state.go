package state

import (
	"sort"
	"strings"
	"sync"

	"hwwallet/pkg/events"
	"hwwallet/pkg/models"
)

// ReduceAccounts applies ev to the account list and returns a new list.
func ReduceAccounts(accounts []models.Account, ev events.Event) []models.Account {
	switch e := ev.(type) {
	case events.AccountCreated:
		return upsertAccount(accounts, e.Account)
	case events.AccountUpdated:
		return upsertAccount(accounts, e.Account)
	case events.DeviceForgotten:
		out := make([]models.Account, 0, len(accounts))
		for _, a := range accounts {
			if a.DeviceState != e.Device.State {
				out = append(out, a)
			}
		}
		return out
	}
	return accounts
}

func sameAccount(a, b models.Account) bool {
	return a.DeviceState == b.DeviceState && a.Network == b.Network && a.Index == b.Index
}

func upsertAccount(accounts []models.Account, acc models.Account) []models.Account {
	out := make([]models.Account, 0, len(accounts)+1)
	replaced := false
	for _, a := range accounts {
		if sameAccount(a, acc) {
			out = append(out, acc)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, acc)
	}
	return out
}

// ReducePending applies ev to the pending list and returns a new list.
func ReducePending(pending []models.PendingTransaction, ev events.Event) []models.PendingTransaction {
	switch e := ev.(type) {
	case events.TxComplete:
		out := append([]models.PendingTransaction(nil), pending...)
		return append(out, e.Tx)
	case events.PendingTxNotFound:
		return setStatus(pending, e.Tx.ID, models.PendingNotFound)
	case events.PendingTxTokenError:
		return setStatus(pending, e.Tx.ID, models.PendingTokenError)
	case events.PendingTxResolved:
		out := make([]models.PendingTransaction, 0, len(pending))
		for _, p := range pending {
			if p.ID != e.Tx.ID {
				out = append(out, p)
			}
		}
		return out
	case events.DeviceForgotten:
		out := make([]models.PendingTransaction, 0, len(pending))
		for _, p := range pending {
			if p.DeviceState != e.Device.State {
				out = append(out, p)
			}
		}
		return out
	}
	return pending
}

func setStatus(pending []models.PendingTransaction, id string, status models.PendingStatus) []models.PendingTransaction {
	out := append([]models.PendingTransaction(nil), pending...)
	for i := range out {
		if out[i].ID == id {
			out[i].Status = status
		}
	}
	return out
}

// ReduceTokens applies ev to the token list and returns a new list.
func ReduceTokens(tokens []models.Token, ev events.Event) []models.Token {
	switch e := ev.(type) {
	case events.TokenBalanceUpdated:
		out := make([]models.Token, 0, len(tokens)+1)
		replaced := false
		for _, t := range tokens {
			if sameToken(t, e.Token) {
				out = append(out, e.Token)
				replaced = true
				continue
			}
			out = append(out, t)
		}
		if !replaced {
			out = append(out, e.Token)
		}
		return out
	case events.DeviceForgotten:
		out := make([]models.Token, 0, len(tokens))
		for _, t := range tokens {
			if t.DeviceState != e.Device.State {
				out = append(out, t)
			}
		}
		return out
	}
	return tokens
}

func sameToken(a, b models.Token) bool {
	return a.Network == b.Network &&
		a.DeviceState == b.DeviceState &&
		strings.EqualFold(a.EthAddress, b.EthAddress) &&
		strings.EqualFold(a.Address, b.Address)
}

// PendingNonce returns the highest expected nonce among transactions still known to the network.
func PendingNonce(pending []models.PendingTransaction) uint64 {
	var max uint64
	for _, p := range pending {
		if p.Rejected() {
			continue
		}
		if p.Nonce > max {
			max = p.Nonce
		}
	}
	return max
}

// Store holds the account, pending transaction and token lists. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	accounts []models.Account
	pending  []models.PendingTransaction
	tokens   []models.Token
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Dispatch reduces ev into the store.
func (s *Store) Dispatch(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = ReduceAccounts(s.accounts, ev)
	s.pending = ReducePending(s.pending, ev)
	s.tokens = ReduceTokens(s.tokens, ev)
}

// Accounts returns the accounts of deviceState on network ordered by index.
// Empty filters match everything.
func (s *Store) Accounts(deviceState, network string) []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Account
	for _, a := range s.accounts {
		if (deviceState == "" || a.DeviceState == deviceState) && (network == "" || a.Network == network) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Account finds a single account.
func (s *Store) Account(deviceState, network string, index uint32) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.DeviceState == deviceState && a.Network == network && a.Index == index {
			return a, true
		}
	}
	return models.Account{}, false
}

// AccountByAddress finds an account by address on network.
func (s *Store) AccountByAddress(network, address string) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Network == network && strings.EqualFold(a.Address, address) {
			return a, true
		}
	}
	return models.Account{}, false
}

// Pending returns pending transactions on network, or all when network is empty.
func (s *Store) Pending(network string) []models.PendingTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingTransaction
	for _, p := range s.pending {
		if network == "" || p.Network == network {
			out = append(out, p)
		}
	}
	return out
}

// PendingFor returns pending transactions sent from address on network.
func (s *Store) PendingFor(network, address string) []models.PendingTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingTransaction
	for _, p := range s.pending {
		if p.Network == network && strings.EqualFold(p.Address, address) {
			out = append(out, p)
		}
	}
	return out
}

// PendingNetworks lists networks with at least one pending transaction.
func (s *Store) PendingNetworks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range s.pending {
		if !seen[p.Network] {
			seen[p.Network] = true
			out = append(out, p.Network)
		}
	}
	sort.Strings(out)
	return out
}

// Tokens returns tracked token balances of owner on network.
func (s *Store) Tokens(network, owner string) []models.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Token
	for _, t := range s.tokens {
		if t.Network == network && strings.EqualFold(t.EthAddress, owner) {
			out = append(out, t)
		}
	}
	return out
}
