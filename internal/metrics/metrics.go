// Package metrics registers the Prometheus instruments the monitor and the
// price feed update during operation:
//
//	papertrader_monitor_ticks_total            – Monitor ticks executed
//	papertrader_trade_closures_total{reason}   – Automatic/manual closures by reason
//	papertrader_price_fetch_errors_total       – Skipped symbols due to price fetch failures
//	papertrader_feed_reconnects_total          – Streaming feed reconnect attempts
//	papertrader_feed_state{state}              – Feed state indicator (one labeled series per state)
//	papertrader_poll_ticks_total               – Polling-fallback price fetch rounds
//
// Served by the HTTP handler started in main at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	monitorTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "papertrader_monitor_ticks_total",
			Help: "Monitor ticks executed",
		},
	)

	tradeClosures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "papertrader_trade_closures_total",
			Help: "Trade closures by reason",
		},
		[]string{"reason"},
	)

	priceFetchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "papertrader_price_fetch_errors_total",
			Help: "Symbols skipped in a monitor tick because the price fetch failed",
		},
	)

	feedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "papertrader_feed_reconnects_total",
			Help: "Streaming feed reconnect attempts",
		},
	)

	// One labeled series per state, flipped between 0/1 to keep dashboards simple.
	feedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "papertrader_feed_state",
			Help: "Streaming feed connection state indicator",
		},
		[]string{"state"},
	)

	pollTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "papertrader_poll_ticks_total",
			Help: "Polling-fallback price fetch rounds",
		},
	)
)

func init() {
	prometheus.MustRegister(monitorTicks, tradeClosures, priceFetchErrors)
	prometheus.MustRegister(feedReconnects, feedState, pollTicks)
}

func IncMonitorTick()          { monitorTicks.Inc() }
func IncClosure(reason string) { tradeClosures.WithLabelValues(reason).Inc() }
func IncPriceFetchError()      { priceFetchErrors.Inc() }
func IncFeedReconnect()        { feedReconnects.Inc() }
func IncPollTick()             { pollTicks.Inc() }

// SetFeedState flips the labeled state series so exactly one reads 1.
func SetFeedState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "error"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		feedState.WithLabelValues(s).Set(v)
	}
}
