// Package metrics exposes the node's liveness and throughput signals as
// Prometheus gauges/counters over a dedicated HTTP listener.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the node updates during its run loop.
type Registry struct {
	ChainHeight    prometheus.Gauge
	ConsensusView  prometheus.Gauge
	MempoolSize    prometheus.Gauge
	BlocksCommitted prometheus.Counter
	TxsExecuted    prometheus.Counter
	Liquidations   prometheus.Counter
	srv            *http.Server
}

// New registers a fresh metric set under its own registry so repeated test
// construction never panics on duplicate registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{
		ChainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hotdex_chain_height", Help: "Height of the locally committed chain tip.",
		}),
		ConsensusView: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hotdex_consensus_view", Help: "Current HotStuff view number.",
		}),
		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hotdex_mempool_size", Help: "Pending transaction count in the mempool.",
		}),
		BlocksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hotdex_blocks_committed_total", Help: "Total blocks that reached the three-chain commit point.",
		}),
		TxsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hotdex_txs_executed_total", Help: "Total transactions applied across committed blocks.",
		}),
		Liquidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hotdex_liquidations_total", Help: "Total positions force-closed by the liquidation sweep.",
		}),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.srv = &http.Server{Handler: mux}
	return r
}

// Start begins serving /metrics on addr. A blank addr disables the exporter.
func (r *Registry) Start(addr string) error {
	if addr == "" {
		return nil
	}
	r.srv.Addr = addr
	go func() {
		if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic("metrics: listen: " + err.Error())
		}
	}()
	return nil
}

// Stop shuts the exporter down if it was started.
func (r *Registry) Stop(ctx context.Context) error {
	if r.srv.Addr == "" {
		return nil
	}
	return r.srv.Shutdown(ctx)
}
