package hajstorage

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsCollectionInterval = 15 * time.Second

type metricsController struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec

	// using (totalRequests, errors) instead of (successes, errors) b/c:
	//   https://promcon.io/2017-munich/slides/best-practices-and-beastly-pitfalls.pdf
	readRequests  prometheus.Counter
	readBytes     prometheus.Counter
	readErrors    prometheus.Counter
	writeRequests prometheus.Counter
	writtenBytes  prometheus.Counter
	writeErrors   prometheus.Counter
	prohibited    prometheus.Counter

	// refreshed at interval from the lease DB, so each reading carries its "value at" time
	leasedShares        *promconstmetrics.Ref
	spaceUsed           *promconstmetrics.Ref
	sharesets           *promconstmetrics.Ref
	accounts            *promconstmetrics.Ref
	scheduledJobRuntime *promconstmetrics.Ref

	constMetricsCollector *promconstmetrics.Collector
}

func newMetricsController() *metricsController {
	reg := prometheus.NewRegistry()

	constMetrics := promconstmetrics.NewCollector()

	// shorthand for new'ing and registering
	counter := func(name string, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &metricsController{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haj_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),

		readRequests:  counter("haj_share_read_requests_total", "Share reads (incl. errors)"),
		readBytes:     counter("haj_share_read_bytes_total", "Share bytes read"),
		readErrors:    counter("haj_share_read_errors_total", "Failed share reads"),
		writeRequests: counter("haj_share_write_requests_total", "Share writes (incl. errors)"),
		writtenBytes:  counter("haj_share_write_bytes_total", "Share bytes written"),
		writeErrors:   counter("haj_share_write_errors_total", "Failed share writes"),
		prohibited:    counter("haj_share_prohibited_total", "Requests refused due to blacklist"),

		leasedShares:        constMetrics.Register("haj_leased_shares", "Shares that have at least one lease", prometheus.Labels{}),
		spaceUsed:           constMetrics.Register("haj_leased_space_used_bytes", "Space used by leased shares", prometheus.Labels{}),
		sharesets:           constMetrics.Register("haj_sharesets", "Storage indices that have at least one share", prometheus.Labels{}),
		accounts:            constMetrics.Register("haj_accounts", "Accounts known to the lease DB", prometheus.Labels{}),
		scheduledJobRuntime: constMetrics.Register("haj_scheduledjob_runtime_seconds", "Scheduled job's runtime (seconds)", prometheus.Labels{}, "job"),

		constMetricsCollector: constMetrics,
	}

	reg.MustRegister(m.httpRequests)
	reg.MustRegister(m.constMetricsCollector)

	return m
}

// builds a cancellable metrics collection task that can be given to taskrunner
func (m *metricsController) Task(db *hajleasedb.DB, jobs *scheduler.Controller) func(context.Context) error {
	return func(ctx context.Context) error {
		interval := time.NewTicker(metricsCollectionInterval)
		defer interval.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-interval.C:
				if err := m.collectMetrics(ctx, db, jobs); err != nil {
					return err
				}
			}
		}
	}
}

func (m *metricsController) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *metricsController) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

func (m *metricsController) collectMetrics(ctx context.Context, db *hajleasedb.DB, jobs *scheduler.Controller) error {
	now := time.Now()

	constMetrics := m.constMetricsCollector // shorthand

	if err := db.View(func(tx *hajleasedb.Tx) error {
		leasedShares, used, err := tx.GetTotalLeasedShareCountAndUsedSpace()
		if err != nil {
			return err
		}

		sharesets, err := tx.GetNumberOfSharesets()
		if err != nil {
			return err
		}

		accounts, err := tx.GetAllAccounts()
		if err != nil {
			return err
		}

		constMetrics.Observe(m.leasedShares, float64(leasedShares), now)
		constMetrics.Observe(m.spaceUsed, float64(used), now)
		constMetrics.Observe(m.sharesets, float64(sharesets), now)
		constMetrics.Observe(m.accounts, float64(len(accounts)), now)

		return nil
	}); err != nil {
		return err
	}

	specs, err := jobs.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil { // shutting down
			return nil
		}
		return err
	}

	for _, spec := range specs {
		if spec.LastRun != nil {
			lastrun := spec.LastRun // shorthand

			constMetrics.Observe(m.scheduledJobRuntime, lastrun.Duration().Seconds(), lastrun.Finished, spec.ID)
		}
	}

	return nil
}

// counts bytes of an upload body as it is consumed
func (m *metricsController) countWrite(content io.Reader) io.ReadCloser {
	m.writeRequests.Inc()

	return newReadCounter(content, func(bytesRead int64, errRead error) {
		if errRead == nil {
			m.writtenBytes.Add(float64(bytesRead))
		}
	})
}

func (m *metricsController) countRead(content io.ReadCloser, errOpen error) io.ReadCloser {
	m.readRequests.Inc()

	// will be called (once) much later than we return from this func
	readFinished := func(bytesRead int64, err error) {
		m.readBytes.Add(float64(bytesRead))

		if err != nil {
			m.readErrors.Inc()
		}
	}

	if errOpen != nil {
		readFinished(0, errOpen)
		return content
	}

	return newReadCounter(content, readFinished)
}

type readCounter struct {
	bytesRead int64 // has to be first b/c sync/atomic alignment rules
	io.ReadCloser
	stats     func(int64, error)
	statsOnce sync.Once
}

// "stats" will only be called once, and when:
// a) all reads succeeded to io.EOF OR
// b) first read failed
func newReadCounter(content io.Reader, stats func(int64, error)) io.ReadCloser {
	rc, ok := content.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(content)
	}

	return &readCounter{
		ReadCloser: rc,
		stats:      stats,
	}
}

var _ io.ReadCloser = (*readCounter)(nil)

func (r *readCounter) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)

	atomic.AddInt64(&r.bytesRead, int64(n))

	if err != nil {
		if err == io.EOF {
			r.emitStats(nil)
		} else {
			r.emitStats(err)
		}
	}

	return n, err
}

func (r *readCounter) emitStats(err error) {
	r.statsOnce.Do(func() {
		r.stats(atomic.LoadInt64(&r.bytesRead), err)
	})
}
