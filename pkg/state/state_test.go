package state

import (
	"testing"

	"hwwallet/pkg/events"
	"hwwallet/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func account(state, network string, index uint32, balance string) models.Account {
	return models.Account{
		Index:       index,
		Network:     network,
		DeviceState: state,
		Address:     "0x000000000000000000000000000000000000000" + string(rune('a'+index)),
		Balance:     balance,
		Loaded:      true,
	}
}

func TestReduceAccountsUpsert(t *testing.T) {
	var list []models.Account
	list = ReduceAccounts(list, events.AccountCreated{Account: account("s1", "eth", 0, "1")})
	list = ReduceAccounts(list, events.AccountCreated{Account: account("s1", "eth", 1, "0")})
	require.Len(t, list, 2)

	before := list
	list = ReduceAccounts(list, events.AccountUpdated{Account: account("s1", "eth", 0, "2.5")})
	require.Len(t, list, 2)
	assert.Equal(t, "2.5", list[0].Balance)
	assert.Equal(t, "1", before[0].Balance, "input list must not be modified")

	list = ReduceAccounts(list, events.AccountUpdated{Account: account("s1", "etc", 0, "3")})
	assert.Len(t, list, 3)
}

func TestReduceAccountsForget(t *testing.T) {
	list := []models.Account{
		account("s1", "eth", 0, "1"),
		account("s2", "eth", 0, "1"),
		account("s1", "etc", 0, "1"),
	}
	list = ReduceAccounts(list, events.DeviceForgotten{Device: models.Device{State: "s1"}})
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].DeviceState)
}

func TestReduceAccountsIgnoresOtherEvents(t *testing.T) {
	list := []models.Account{account("s1", "eth", 0, "1")}
	out := ReduceAccounts(list, events.BlockUpdated{Network: "eth", Block: 10})
	assert.Equal(t, list, out)
}

func TestReducePending(t *testing.T) {
	tx1 := models.PendingTransaction{ID: "0x1", Network: "eth", Nonce: 4, Status: models.PendingUnresolved}
	tx2 := models.PendingTransaction{ID: "0x2", Network: "eth", Nonce: 5, Status: models.PendingUnresolved}

	var list []models.PendingTransaction
	list = ReducePending(list, events.TxComplete{Tx: tx1})
	list = ReducePending(list, events.TxComplete{Tx: tx2})
	require.Len(t, list, 2)

	marked := ReducePending(list, events.PendingTxNotFound{Tx: tx1})
	assert.Equal(t, models.PendingNotFound, marked[0].Status)
	assert.Equal(t, models.PendingUnresolved, list[0].Status, "input list must not be modified")

	marked = ReducePending(marked, events.PendingTxTokenError{Tx: tx2})
	assert.Equal(t, models.PendingTokenError, marked[1].Status)

	resolved := ReducePending(marked, events.PendingTxResolved{Tx: tx2})
	require.Len(t, resolved, 1)
	assert.Equal(t, "0x1", resolved[0].ID)
}

func TestReduceTokens(t *testing.T) {
	tok := models.Token{Network: "eth", DeviceState: "s1", EthAddress: "0xAbc", Address: "0xToken", Balance: "1"}

	list := ReduceTokens(nil, events.TokenBalanceUpdated{Token: tok})
	require.Len(t, list, 1)

	tok.Balance = "7"
	tok.EthAddress = "0xabc"
	list = ReduceTokens(list, events.TokenBalanceUpdated{Token: tok})
	require.Len(t, list, 1)
	assert.Equal(t, "7", list[0].Balance)

	list = ReduceTokens(list, events.DeviceForgotten{Device: models.Device{State: "s1"}})
	assert.Empty(t, list)
}

func TestPendingNonce(t *testing.T) {
	tests := []struct {
		name string
		list []models.PendingTransaction
		want uint64
	}{
		{"empty", nil, 0},
		{"single", []models.PendingTransaction{{Nonce: 3}}, 3},
		{"max", []models.PendingTransaction{{Nonce: 3}, {Nonce: 7}, {Nonce: 5}}, 7},
		{"skips rejected", []models.PendingTransaction{{Nonce: 3}, {Nonce: 9, Status: models.PendingNotFound}}, 3},
		{"token error counts", []models.PendingTransaction{{Nonce: 6, Status: models.PendingTokenError}}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PendingNonce(tt.list))
		})
	}
}

func TestStoreQueries(t *testing.T) {
	s := NewStore()
	s.Dispatch(events.AccountCreated{Account: account("s1", "eth", 1, "0")})
	s.Dispatch(events.AccountCreated{Account: account("s1", "eth", 0, "1")})
	s.Dispatch(events.AccountCreated{Account: account("s2", "etc", 0, "1")})

	accs := s.Accounts("s1", "eth")
	require.Len(t, accs, 2)
	assert.Equal(t, uint32(0), accs[0].Index)
	assert.Len(t, s.Accounts("", ""), 3)

	a, ok := s.Account("s1", "eth", 1)
	require.True(t, ok)
	found, ok := s.AccountByAddress("eth", a.Address)
	require.True(t, ok)
	assert.Equal(t, a, found)
	_, ok = s.Account("s1", "eth", 5)
	assert.False(t, ok)

	s.Dispatch(events.TxComplete{Tx: models.PendingTransaction{ID: "0x1", Network: "eth", Address: a.Address, Nonce: 1}})
	s.Dispatch(events.TxComplete{Tx: models.PendingTransaction{ID: "0x2", Network: "etc", Address: "0xother", Nonce: 1}})
	assert.Len(t, s.Pending(""), 2)
	assert.Len(t, s.Pending("eth"), 1)
	assert.Len(t, s.PendingFor("eth", a.Address), 1)
	assert.Equal(t, []string{"etc", "eth"}, s.PendingNetworks())

	s.Dispatch(events.TokenBalanceUpdated{Token: models.Token{Network: "eth", EthAddress: a.Address, Address: "0xt", Balance: "5"}})
	assert.Len(t, s.Tokens("eth", a.Address), 1)
}

func TestStoreAsBusHandler(t *testing.T) {
	s := NewStore()
	bus := events.NewBus(nil)
	bus.Handle(s)

	bus.Dispatch(events.AccountCreated{Account: account("s1", "eth", 0, "1")})
	assert.Len(t, s.Accounts("s1", "eth"), 1)
}
