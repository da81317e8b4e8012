package discovery

import (
	"hwwallet/pkg/events"
	"hwwallet/pkg/models"
)

// Reduce applies ev to the process list and returns a new list. The input is never modified.
func Reduce(procs []models.DiscoveryProcess, ev events.Event) []models.DiscoveryProcess {
	switch e := ev.(type) {
	case events.DiscoveryStarted:
		return replace(procs, models.DiscoveryProcess{
			DeviceState: e.Device.State,
			Network:     e.Network,
			BasePath:    append([]uint32(nil), e.BasePath...),
			PublicKey:   e.PublicKey,
			ChainCode:   e.ChainCode,
		})
	case events.DiscoveryWaitingForDevice:
		return replace(procs, models.DiscoveryProcess{
			DeviceState:      e.Device.State,
			Network:          e.Network,
			WaitingForDevice: true,
		})
	case events.DiscoveryWaitingForBackend:
		if _, ok := find(procs, e.Device.State, e.Network); !ok {
			return append(clone(procs), models.DiscoveryProcess{
				DeviceState:       e.Device.State,
				Network:           e.Network,
				WaitingForBackend: true,
			})
		}
		return update(procs, e.Device.State, e.Network, func(p *models.DiscoveryProcess) {
			p.WaitingForBackend = true
		})
	case events.DiscoveryStopped:
		out := clone(procs)
		for i := range out {
			if out[i].DeviceState == e.Device.State && !out[i].Completed {
				out[i].Interrupted = true
				out[i].WaitingForDevice = false
			}
		}
		return out
	case events.DiscoveryCompleted:
		return update(procs, e.Device.State, e.Network, func(p *models.DiscoveryProcess) {
			p.Completed = true
			p.Interrupted = false
			p.WaitingForDevice = false
			p.WaitingForBackend = false
		})
	case events.DiscoveryResumed:
		return update(procs, e.Device.State, e.Network, func(p *models.DiscoveryProcess) {
			p.Completed = false
		})
	case events.AccountCreated:
		return advance(procs, e.Account)
	case events.AccountUpdated:
		return advance(procs, e.Account)
	case events.DeviceForgotten:
		out := make([]models.DiscoveryProcess, 0, len(procs))
		for _, p := range procs {
			if p.DeviceState != e.Device.State {
				out = append(out, p)
			}
		}
		return out
	}
	return procs
}

// advance moves the cursor past acc when acc is the account at the cursor.
func advance(procs []models.DiscoveryProcess, acc models.Account) []models.DiscoveryProcess {
	return update(procs, acc.DeviceState, acc.Network, func(p *models.DiscoveryProcess) {
		if p.AccountIndex == acc.Index {
			p.AccountIndex++
		}
	})
}

func find(procs []models.DiscoveryProcess, state, network string) (models.DiscoveryProcess, bool) {
	for _, p := range procs {
		if p.DeviceState == state && p.Network == network {
			return p, true
		}
	}
	return models.DiscoveryProcess{}, false
}

func clone(procs []models.DiscoveryProcess) []models.DiscoveryProcess {
	return append([]models.DiscoveryProcess(nil), procs...)
}

func replace(procs []models.DiscoveryProcess, p models.DiscoveryProcess) []models.DiscoveryProcess {
	out := make([]models.DiscoveryProcess, 0, len(procs)+1)
	for _, q := range procs {
		if q.DeviceState == p.DeviceState && q.Network == p.Network {
			continue
		}
		out = append(out, q)
	}
	return append(out, p)
}

func update(procs []models.DiscoveryProcess, state, network string, fn func(*models.DiscoveryProcess)) []models.DiscoveryProcess {
	out := clone(procs)
	for i := range out {
		if out[i].DeviceState == state && out[i].Network == network {
			fn(&out[i])
		}
	}
	return out
}
