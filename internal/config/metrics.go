package config

import "github.com/prometheus/client_golang/prometheus"

var scriptReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sympozium",
	Subsystem: "dashboard",
	Name:      "script_reloads_total",
	Help:      "Simulator script reloads from disk, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(scriptReloads)
}
