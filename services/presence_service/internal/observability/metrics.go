package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "connections",
		Help:      "Number of open realtime backend connections.",
	})
	watchersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "watchers",
		Help:      "Number of live presence subscriptions.",
	})
	writesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "writes_total",
		Help:      "Presence writes by operation and result.",
	}, []string{"op", "result"})
	hooksFiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "disconnect_hooks_fired_total",
		Help:      "Disconnect hooks applied after a connection dropped.",
	})
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_published_total",
		Help:      "Presence status events handed to the publisher by result.",
	}, []string{"result"})
	rateLimitedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "HTTP requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})
)

// Register 在 main 包里调用一次
func Register(reg prometheus.Registerer) {
	reg.MustRegister(connectionsGauge, watchersGauge, writesCounter, hooksFiredCounter, eventsCounter, rateLimitedCounter)
}

func ConnectionOpened() { connectionsGauge.Inc() }
func ConnectionClosed() { connectionsGauge.Dec() }
func WatcherAdded()     { watchersGauge.Inc() }
func WatcherRemoved()   { watchersGauge.Dec() }

// RecordWrite op 取 set/update/hook
func RecordWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesCounter.WithLabelValues(op, result).Inc()
}

func HookFired() { hooksFiredCounter.Inc() }

func RecordEvent(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsCounter.WithLabelValues(result).Inc()
}

// RateLimited scope 取 global/ip/user
func RateLimited(scope string) { rateLimitedCounter.WithLabelValues(scope).Inc() }
