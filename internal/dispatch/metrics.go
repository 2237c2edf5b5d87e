package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "antiproxy_dispatch_attempts_total",
		Help: "Upstream dispatch attempts, by outcome.",
	}, []string{"outcome"})

	accountRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "antiproxy_account_rotations_total",
		Help: "Times the dispatch engine switched to a different account mid-request.",
	})

	rateLimitTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "antiproxy_rate_limit_trips_total",
		Help: "Times an upstream 429 marked an account limited.",
	})

	fallbackHopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "antiproxy_fallback_hops_total",
		Help: "Times the engine substituted a cross-family fallback model.",
	})
)

// RegisterMetrics registers the dispatch package's collectors with reg.
// A collector already registered with reg is skipped, so a second call
// against the same registry returns nil; any other registration error is
// returned.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{attemptsTotal, accountRotationsTotal, rateLimitTripsTotal, fallbackHopsTotal} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
