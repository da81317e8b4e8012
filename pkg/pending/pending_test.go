package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"hwwallet/pkg/events"
	"hwwallet/pkg/metrics"
	"hwwallet/pkg/models"
	"hwwallet/pkg/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) GetTransaction(ctx context.Context, network, id string) (*models.TxStatus, error) {
	args := m.Called(ctx, network, id)
	st, _ := args.Get(0).(*models.TxStatus)
	return st, args.Error(1)
}

func (m *MockBackend) GetTransactionReceipt(ctx context.Context, network, id string) (*models.TxReceipt, error) {
	args := m.Called(ctx, network, id)
	rc, _ := args.Get(0).(*models.TxReceipt)
	return rc, args.Error(1)
}

func setup(t *testing.T, txs ...models.PendingTransaction) (*state.Store, *events.Bus, events.Subscriber) {
	t.Helper()
	store := state.NewStore()
	bus := events.NewBus(nil)
	bus.Handle(store)
	sub := bus.Subscribe()
	for _, tx := range txs {
		bus.Dispatch(events.TxComplete{Tx: tx})
	}
	drain(sub)
	return store, bus, sub
}

func drain(sub events.Subscriber) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case ev := <-sub:
			kinds = append(kinds, ev.Kind())
		default:
			return kinds
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	tx := models.PendingTransaction{ID: "0x01", Network: "eth", Nonce: 3}
	store, bus, sub := setup(t, tx)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x01").Return(nil, nil)

	tr := NewTracker(backend, store, bus)
	require.NoError(t, tr.Resolve(context.Background(), "eth"))

	assert.Equal(t, []events.Kind{events.KindPendingTxNotFound}, drain(sub))
	backend.AssertNotCalled(t, "GetTransactionReceipt", mock.Anything, mock.Anything, mock.Anything)

	list := store.Pending("eth")
	require.Len(t, list, 1)
	assert.Equal(t, models.PendingNotFound, list[0].Status)
	assert.Equal(t, uint64(0), state.PendingNonce(list))
}

func TestResolveMinedWithGasMismatch(t *testing.T) {
	tx := models.PendingTransaction{ID: "0x02", Network: "eth", Nonce: 4, GasLimit: 60000}
	store, bus, sub := setup(t, tx)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x02").Return(&models.TxStatus{Hash: "0x02", Gas: 60000}, nil)
	backend.On("GetTransactionReceipt", mock.Anything, "eth", "0x02").Return(&models.TxReceipt{Hash: "0x02", GasUsed: 35000, Status: 0}, nil)

	rec := metrics.NewRecorder(nil)
	tr := NewTracker(backend, store, bus, WithMetrics(rec))
	require.NoError(t, tr.Resolve(context.Background(), "eth"))

	assert.Equal(t, []events.Kind{events.KindPendingTxTokenError, events.KindPendingTxResolved}, drain(sub))
	assert.Empty(t, store.Pending("eth"))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.PendingOutcomes.WithLabelValues("eth", "token_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.PendingOutcomes.WithLabelValues("eth", "resolved")))
}

func TestResolveMinedMatchingGas(t *testing.T) {
	tx := models.PendingTransaction{ID: "0x03", Network: "eth"}
	store, bus, sub := setup(t, tx)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x03").Return(&models.TxStatus{Gas: 21000}, nil)
	backend.On("GetTransactionReceipt", mock.Anything, "eth", "0x03").Return(&models.TxReceipt{GasUsed: 21000, Status: 1}, nil)

	require.NoError(t, NewTracker(backend, store, bus).Resolve(context.Background(), "eth"))
	assert.Equal(t, []events.Kind{events.KindPendingTxResolved}, drain(sub))
}

func TestResolveStillPending(t *testing.T) {
	tx := models.PendingTransaction{ID: "0x04", Network: "eth"}
	store, bus, sub := setup(t, tx)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x04").Return(&models.TxStatus{Gas: 21000, Pending: true}, nil)
	backend.On("GetTransactionReceipt", mock.Anything, "eth", "0x04").Return(nil, nil)

	require.NoError(t, NewTracker(backend, store, bus).Resolve(context.Background(), "eth"))
	assert.Empty(t, drain(sub))
	assert.Len(t, store.Pending("eth"), 1)
}

func TestResolveBackendError(t *testing.T) {
	store, bus, _ := setup(t,
		models.PendingTransaction{ID: "0x05", Network: "eth"},
		models.PendingTransaction{ID: "0x06", Network: "eth"},
	)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x05").Return(nil, errors.New("timeout"))

	err := NewTracker(backend, store, bus).Resolve(context.Background(), "eth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x05")
	backend.AssertNumberOfCalls(t, "GetTransaction", 1)
}

func TestResolveAllAcrossNetworks(t *testing.T) {
	store, bus, sub := setup(t,
		models.PendingTransaction{ID: "0x07", Network: "eth"},
		models.PendingTransaction{ID: "0x08", Network: "etc"},
	)

	backend := new(MockBackend)
	backend.On("GetTransaction", mock.Anything, "eth", "0x07").Return(nil, nil)
	backend.On("GetTransaction", mock.Anything, "etc", "0x08").Return(nil, nil)

	require.NoError(t, NewTracker(backend, store, bus).ResolveAll(context.Background()))
	assert.Len(t, drain(sub), 2)
	backend.AssertExpectations(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	store, bus, _ := setup(t, models.PendingTransaction{ID: "0x09", Network: "eth"})

	backend := new(MockBackend)
	called := make(chan struct{}, 1)
	backend.On("GetTransaction", mock.Anything, "eth", "0x09").Return(&models.TxStatus{Pending: true}, nil).
		Run(func(mock.Arguments) {
			select {
			case called <- struct{}{}:
			default:
			}
		})
	backend.On("GetTransactionReceipt", mock.Anything, "eth", "0x09").Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewTracker(backend, store, bus).Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("tracker never polled")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
