package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricAuthentication = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "courier_authentication_total",
		Help: "Authentication attempts and results.",
	},
	[]string{
		"kind",   // admin, agent
		"method", // httpbasic, bearer
		"result", // ok, badcreds, error
	},
)

func AuthenticationInc(kind, method, result string) {
	metricAuthentication.WithLabelValues(kind, method, result).Inc()
}
