package metrics

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricNamespace = "gaslane"

	labelRelayer = "relayer"
	labelToken   = "token"
	labelReason  = "reason"
)

// Events stores the pointers to the relayer pool metrics. Every observability
// event of the engine (lease lifecycle, rebalance tasks, relayer disabling)
// goes through here; all methods are safe on a nil receiver so components can
// run without a metrics registry in tests.
type Events struct {
	leasesAcquired *prometheus.CounterVec
	leasesReleased *prometheus.CounterVec
	leasesExpired  *prometheus.CounterVec
	leasesStolen   *prometheus.CounterVec

	tasksCreated   *prometheus.CounterVec
	tasksSucceeded *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec

	relayersDisabled *prometheus.CounterVec

	freeRelayers    prometheus.Gauge
	relayerBalances *prometheus.GaugeVec
	gasTankBalances *prometheus.GaugeVec
}

// NewEvents takes in a prometheus registry and initializes and registers the
// relayer pool metrics. It returns those registered metrics.
func NewEvents(r prometheus.Registerer) *Events {
	return &Events{
		leasesAcquired: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "leases_acquired_total",
				Help:      "the total relayer leases acquired",
			}, []string{labelRelayer}),
		leasesReleased: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "leases_released_total",
				Help:      "the total relayer leases released",
			}, []string{labelRelayer}),
		leasesExpired: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "leases_expired_total",
				Help:      "the total relayer leases that expired before release",
			}, []string{labelRelayer}),
		leasesStolen: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "leases_stolen_total",
				Help:      "the total expired leases reclaimed by a new holder",
			}, []string{labelRelayer}),
		tasksCreated: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "rebalance_tasks_created_total",
				Help:      "the total rebalance tasks created",
			}, []string{labelRelayer, labelToken}),
		tasksSucceeded: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "rebalance_tasks_succeeded_total",
				Help:      "the total rebalance tasks that reached Done",
			}, []string{labelRelayer, labelToken}),
		tasksFailed: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "rebalance_tasks_failed_total",
				Help:      "the total rebalance tasks that exhausted their retry budget",
			}, []string{labelRelayer, labelToken}),
		relayersDisabled: promauto.With(r).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "relayers_disabled_total",
				Help:      "the total relayer disable transitions, by reason",
			}, []string{labelRelayer, labelReason}),
		freeRelayers: promauto.With(r).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "free_relayers",
				Help:      "the number of relayers currently free for leasing",
			}),
		relayerBalances: promauto.With(r).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "relayer_balance",
				Help:      "the last observed relayer balance, denominated in the token's base unit",
			}, []string{labelRelayer, labelToken}),
		gasTankBalances: promauto.With(r).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "gas_tank_balance",
				Help:      "the last observed gas tank balance, denominated in the token's base unit",
			}, []string{labelToken}),
	}
}

func (e *Events) LeaseAcquired(relayer common.Address) {
	if e == nil {
		return
	}
	e.leasesAcquired.WithLabelValues(relayer.Hex()).Inc()
}

func (e *Events) LeaseReleased(relayer common.Address) {
	if e == nil {
		return
	}
	e.leasesReleased.WithLabelValues(relayer.Hex()).Inc()
}

func (e *Events) LeaseExpired(relayer common.Address) {
	if e == nil {
		return
	}
	e.leasesExpired.WithLabelValues(relayer.Hex()).Inc()
}

func (e *Events) LeaseStolen(relayer common.Address) {
	if e == nil {
		return
	}
	e.leasesStolen.WithLabelValues(relayer.Hex()).Inc()
}

func (e *Events) TaskCreated(relayer, token common.Address) {
	if e == nil {
		return
	}
	e.tasksCreated.WithLabelValues(relayer.Hex(), token.Hex()).Inc()
}

func (e *Events) TaskSucceeded(relayer, token common.Address) {
	if e == nil {
		return
	}
	e.tasksSucceeded.WithLabelValues(relayer.Hex(), token.Hex()).Inc()
}

func (e *Events) TaskFailed(relayer, token common.Address) {
	if e == nil {
		return
	}
	e.tasksFailed.WithLabelValues(relayer.Hex(), token.Hex()).Inc()
}

func (e *Events) RelayerDisabled(relayer common.Address, reason string) {
	if e == nil {
		return
	}
	e.relayersDisabled.WithLabelValues(relayer.Hex(), reason).Inc()
}

func (e *Events) SetFreeRelayers(n int) {
	if e == nil {
		return
	}
	e.freeRelayers.Set(float64(n))
}

func (e *Events) SetRelayerBalance(relayer, token common.Address, balance float64) {
	if e == nil {
		return
	}
	e.relayerBalances.WithLabelValues(relayer.Hex(), token.Hex()).Set(balance)
}

func (e *Events) SetGasTankBalance(token common.Address, balance float64) {
	if e == nil {
		return
	}
	e.gasTankBalances.WithLabelValues(token.Hex()).Set(balance)
}
