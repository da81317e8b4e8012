package discovery

import (
	"testing"

	"hwwallet/pkg/events"
	"hwwallet/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dev = models.Device{ID: "d", Path: "usb:1", State: "s1"}

func started(network string) events.DiscoveryStarted {
	return events.DiscoveryStarted{
		Device:    dev,
		Network:   network,
		BasePath:  []uint32{0x8000002c, 0x8000003c, 0x80000000, 0},
		PublicKey: "02aa",
		ChainCode: "bb",
	}
}

func TestReduceStartReplacesProcess(t *testing.T) {
	procs := Reduce(nil, events.DiscoveryWaitingForDevice{Device: dev, Network: "eth"})
	require.Len(t, procs, 1)
	assert.True(t, procs[0].WaitingForDevice)
	assert.False(t, procs[0].Started())

	procs = Reduce(procs, started("eth"))
	require.Len(t, procs, 1)
	assert.False(t, procs[0].WaitingForDevice)
	assert.True(t, procs[0].Started())
	assert.Equal(t, uint32(0), procs[0].AccountIndex)
}

func TestReduceDoesNotModifyInput(t *testing.T) {
	procs := Reduce(nil, started("eth"))
	snapshot := clone(procs)

	_ = Reduce(procs, events.AccountCreated{Account: models.Account{DeviceState: "s1", Network: "eth", Index: 0}})
	_ = Reduce(procs, events.DiscoveryStopped{Device: dev})
	_ = Reduce(procs, events.DiscoveryCompleted{Device: dev, Network: "eth"})
	assert.Equal(t, snapshot, procs)
}

func TestReduceAdvancesCursorOnlyAtCursor(t *testing.T) {
	procs := Reduce(nil, started("eth"))
	acc := models.Account{DeviceState: "s1", Network: "eth"}

	acc.Index = 0
	procs = Reduce(procs, events.AccountCreated{Account: acc})
	assert.Equal(t, uint32(1), procs[0].AccountIndex)

	acc.Index = 0
	procs = Reduce(procs, events.AccountUpdated{Account: acc})
	assert.Equal(t, uint32(1), procs[0].AccountIndex, "refreshing an earlier account keeps the cursor")

	acc.Index = 1
	procs = Reduce(procs, events.AccountUpdated{Account: acc})
	assert.Equal(t, uint32(2), procs[0].AccountIndex)

	acc.Network = "etc"
	acc.Index = 2
	procs = Reduce(procs, events.AccountCreated{Account: acc})
	assert.Equal(t, uint32(2), procs[0].AccountIndex)
}

func TestReduceStopInterruptsUnfinished(t *testing.T) {
	procs := Reduce(nil, started("eth"))
	procs = Reduce(procs, started("etc"))
	procs = Reduce(procs, events.DiscoveryCompleted{Device: dev, Network: "etc"})
	procs = Reduce(procs, events.DiscoveryWaitingForDevice{Device: models.Device{State: "s2"}, Network: "eth"})

	procs = Reduce(procs, events.DiscoveryStopped{Device: dev})

	eth, _ := find(procs, "s1", "eth")
	etc, _ := find(procs, "s1", "etc")
	other, _ := find(procs, "s2", "eth")
	assert.True(t, eth.Interrupted)
	assert.False(t, etc.Interrupted)
	assert.True(t, etc.Completed)
	assert.False(t, other.Interrupted)
	assert.True(t, other.WaitingForDevice)
}

func TestReduceWaitingForBackend(t *testing.T) {
	procs := Reduce(nil, events.DiscoveryWaitingForBackend{Device: dev, Network: "eth"})
	require.Len(t, procs, 1)
	assert.True(t, procs[0].WaitingForBackend)

	procs = Reduce(nil, started("eth"))
	procs = Reduce(procs, events.AccountCreated{Account: models.Account{DeviceState: "s1", Network: "eth"}})
	procs = Reduce(procs, events.DiscoveryWaitingForBackend{Device: dev, Network: "eth"})
	require.Len(t, procs, 1)
	assert.True(t, procs[0].WaitingForBackend)
	assert.True(t, procs[0].Started())
	assert.Equal(t, uint32(1), procs[0].AccountIndex)

	procs = Reduce(procs, events.DiscoveryCompleted{Device: dev, Network: "eth"})
	assert.False(t, procs[0].WaitingForBackend)
}

func TestReduceResumeAndForget(t *testing.T) {
	procs := Reduce(nil, started("eth"))
	procs = Reduce(procs, events.DiscoveryCompleted{Device: dev, Network: "eth"})
	require.True(t, procs[0].Completed)

	procs = Reduce(procs, events.DiscoveryResumed{Device: dev, Network: "eth"})
	assert.False(t, procs[0].Completed)

	procs = Reduce(procs, events.DeviceForgotten{Device: dev})
	assert.Empty(t, procs)
}
