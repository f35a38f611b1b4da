package hajcrawler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	cycles        prometheus.Counter
	prefixes      prometheus.Counter
	leasesExpired prometheus.Counter
	sharesDeleted prometheus.Counter
	bytesDeleted  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_crawler_cycles_total",
			Help: "Completed accounting crawler cycles",
		}),
		prefixes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_crawler_prefixes_total",
			Help: "Share prefixes reconciled",
		}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_leases_expired_total",
			Help: "Leases removed by expiration policy",
		}),
		sharesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_shares_deleted_total",
			Help: "Unleased shares garbage collected",
		}),
		bytesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_shares_deleted_bytes_total",
			Help: "Space reclaimed by garbage collecting unleased shares",
		}),
	}

	registerer.MustRegister(
		m.cycles,
		m.prefixes,
		m.leasesExpired,
		m.sharesDeleted,
		m.bytesDeleted)

	return m
}
