// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the per chain collectors of a Synchronizer.
type metrics struct {
	state      prometheus.Gauge
	chainTip   prometheus.Gauge
	reconnects prometheus.Counter
	txEvents   *prometheus.CounterVec
}

func newMetrics(c keypath.Chain) *metrics {
	labels := prometheus.Labels{"chain": c.String()}

	return &metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nunchuk",
			Subsystem:   "sync",
			Name:        "state",
			Help:        "Lifecycle state of the synchronizer.",
			ConstLabels: labels,
		}),
		chainTip: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nunchuk",
			Subsystem:   "sync",
			Name:        "chain_tip",
			Help:        "Height of the last header seen.",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nunchuk",
			Subsystem:   "sync",
			Name:        "reconnects_total",
			Help:        "Number of lost connections.",
			ConstLabels: labels,
		}),
		txEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nunchuk",
			Subsystem:   "sync",
			Name:        "transaction_events_total",
			Help:        "Transaction status changes by status.",
			ConstLabels: labels,
		}, []string{"status"}),
	}
}

// register adds the collectors to r.  A nil registerer is a no-op.
func (m *metrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.state, m.chainTip, m.reconnects, m.txEvents,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
