// Registers the tickflow_* pipeline counters plus go_* and process_*
// collectors. The /metrics handler is mounted by the health server.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	framesTotal     *prometheus.CounterVec
	publishedTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	candlesTotal    *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	lastMessageTime prometheus.Gauge
)

// Init registers the collectors once. Helpers below are no-ops before Init.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		framesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_frames_total",
				Help: "Websocket frames decoded, by stream kind",
			},
			[]string{"kind"},
		)
		publishedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_published_total",
				Help: "Messages acknowledged by the durable log",
			},
			[]string{"topic"},
		)
		droppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_dropped_total",
				Help: "Messages or ticks dropped, by reason",
			},
			[]string{"reason"},
		)
		candlesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_candles_total",
				Help: "Candles emitted",
			},
			[]string{"symbol"},
		)
		reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_reconnects_total",
			Help: "Websocket reconnect attempts",
		})
		lastMessageTime = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickflow_last_message_timestamp_seconds",
			Help: "Unix time of the last frame received",
		})

		registry.MustRegister(framesTotal, publishedTotal, droppedTotal, candlesTotal, reconnectsTotal, lastMessageTime)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncFrame(kind string, unixSeconds float64) {
	if framesTotal != nil {
		framesTotal.WithLabelValues(kind).Inc()
		lastMessageTime.Set(unixSeconds)
	}
}

func IncPublished(topic string, n int) {
	if publishedTotal != nil {
		publishedTotal.WithLabelValues(topic).Add(float64(n))
	}
}

func IncCandle(symbol string) {
	if candlesTotal != nil {
		candlesTotal.WithLabelValues(symbol).Inc()
	}
}

func IncReconnect() {
	if reconnectsTotal != nil {
		reconnectsTotal.Inc()
	}
}

func incDropped(reason string, n int) {
	if droppedTotal != nil {
		droppedTotal.WithLabelValues(reason).Add(float64(n))
	}
}
