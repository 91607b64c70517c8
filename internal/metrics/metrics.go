// Package metrics exposes authentication events as Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the service and guard layers report to.
type Recorder interface {
	LoginSucceeded(authType string)
	LoginFailed(reason string)
	LoggedOut()
	RevocationFailed()
	Registered()
	GuardRejected(reason string)
	LinkExchanged(serviceType string)
	LinkExchangeFailed()
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	logins          *prometheus.CounterVec
	loginFailures   *prometheus.CounterVec
	logouts         prometheus.Counter
	revokeFailures  prometheus.Counter
	registrations   prometheus.Counter
	guardRejections *prometheus.CounterVec
	links           *prometheus.CounterVec
	linkFailures    prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailauth_logins_total",
			Help: "Successful logins by auth type.",
		}, []string{"auth_type"}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailauth_login_failures_total",
			Help: "Rejected logins by reason.",
		}, []string{"reason"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailauth_logouts_total",
			Help: "Logout requests.",
		}),
		revokeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailauth_revocation_failures_total",
			Help: "Logouts whose session revocation failed.",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailauth_registrations_total",
			Help: "Accounts created through /auth/register.",
		}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailauth_guard_rejections_total",
			Help: "Requests rejected by the route guard, by reason.",
		}, []string{"reason"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailauth_link_exchanges_total",
			Help: "Successful Aurinko code exchanges by service type.",
		}, []string{"service_type"}),
		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailauth_link_exchange_failures_total",
			Help: "Failed Aurinko code exchanges.",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.loginFailures,
		c.logouts,
		c.revokeFailures,
		c.registrations,
		c.guardRejections,
		c.links,
		c.linkFailures,
	)

	return c
}

func (c *Collector) LoginSucceeded(authType string) { c.logins.WithLabelValues(authType).Inc() }
func (c *Collector) LoginFailed(reason string)      { c.loginFailures.WithLabelValues(reason).Inc() }
func (c *Collector) LoggedOut()                     { c.logouts.Inc() }
func (c *Collector) RevocationFailed()              { c.revokeFailures.Inc() }
func (c *Collector) Registered()                    { c.registrations.Inc() }
func (c *Collector) GuardRejected(reason string)    { c.guardRejections.WithLabelValues(reason).Inc() }
func (c *Collector) LinkExchangeFailed()            { c.linkFailures.Inc() }

// LinkExchanged records a successful exchange. serviceType is "unknown" when
// the callback did not say which provider was linked.
func (c *Collector) LinkExchanged(serviceType string) {
	if serviceType == "" {
		serviceType = "unknown"
	}
	c.links.WithLabelValues(serviceType).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Noop discards everything. Used where metrics are not wired, mostly tests.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) LoginSucceeded(string) {}
func (Noop) LoginFailed(string)    {}
func (Noop) LoggedOut()            {}
func (Noop) RevocationFailed()     {}
func (Noop) Registered()           {}
func (Noop) GuardRejected(string)  {}
func (Noop) LinkExchanged(string)  {}
func (Noop) LinkExchangeFailed()   {}
