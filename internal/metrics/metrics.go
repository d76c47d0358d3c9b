package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Logins         *prometheus.CounterVec
	VaultMutations *prometheus.CounterVec
	ProxyCalls     *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "logins_total",
				Help:      "Login attempts by role and result",
			}, []string{"role", "result"}),
			VaultMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "vault_mutations_total",
				Help:      "Vault add-update and remove operations",
			}, []string{"op"}),
			ProxyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "proxy_calls_total",
				Help:      "Proxy calls by result",
			}, []string{"result"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "http_requests_total",
				Help:      "HTTP responses by status code",
			}, []string{"code"}),
		}
		prometheus.MustRegister(global.Logins, global.VaultMutations, global.ProxyCalls, global.HTTPRequests)
	})
	return global
}
