package rpc

import (
	"context"
	"fmt"
	"time"

	"hwwallet/pkg/models"
)

// ProbeEndpoints dials every endpoint of network and checks the chain id it reports.
func (g *Gateway) ProbeEndpoints(ctx context.Context, network string) (models.NetworkProbe, error) {
	n, err := g.Network(network)
	if err != nil {
		return models.NetworkProbe{}, err
	}
	probe := models.NetworkProbe{
		Name:          n.Name,
		Symbol:        n.Symbol,
		ConfigChainID: n.ChainID,
	}

	var observed int64
	for _, url := range n.RPCURLs {
		res := models.RPCResult{URL: url}
		start := time.Now()

		client, err := g.dial(ctx, url)
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			probe.RPCs = append(probe.RPCs, res)
			continue
		}
		id, err := client.ChainID(ctx)
		client.Close()
		if err != nil {
			res.Status = "error"
			res.Error = fmt.Sprintf("Failed to get ChainID: %v", err)
			probe.RPCs = append(probe.RPCs, res)
			continue
		}

		res.Status = "ok"
		res.ChainID = id.Int64()
		res.Latency = time.Since(start).Round(time.Millisecond).String()
		if observed == 0 {
			observed = res.ChainID
			probe.ObservedChainID = observed
		} else if observed != res.ChainID {
			probe.Inconsistent = true
		}
		if n.ChainID != 0 && n.ChainID != res.ChainID {
			res.Error = fmt.Sprintf("Mismatch! Expected %d", n.ChainID)
		}
		probe.RPCs = append(probe.RPCs, res)
	}
	return probe, nil
}
