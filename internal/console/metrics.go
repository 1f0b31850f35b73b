package console

import "github.com/prometheus/client_golang/prometheus"

var (
	framesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sympozium",
		Subsystem: "console",
		Name:      "frames_applied_total",
		Help:      "Server frames applied to console sessions, by frame type.",
	}, []string{"type"})

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sympozium",
		Subsystem: "console",
		Name:      "messages_sent_total",
		Help:      "User turns submitted from the console, by outcome.",
	}, []string{"outcome"})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sympozium",
		Subsystem: "console",
		Name:      "active_connections",
		Help:      "Console connections currently open.",
	})

	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sympozium",
		Subsystem: "console",
		Name:      "sessions",
		Help:      "Console sessions held in the session store.",
	})
)

func init() {
	prometheus.MustRegister(framesApplied, messagesSent, activeConnections, sessionsGauge)
}
