// Storage server: holds shares for clients, accounts for them with leases and announces
// itself to the grid via the introducer.
package hajstorage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/hajautus/pkg/hajintroducer"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajstorage/hajblacklist"
	"github.com/function61/hajautus/pkg/hajstorage/hajcrawler"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/hajstorage/hajsharestore"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/hajutils"
	"github.com/function61/hajautus/pkg/scheduler"
	"github.com/gorilla/mux"
)

const (
	jobAccountingCrawl = "accounting-crawl"
	jobLeaseExpiry     = "lease-expiry"
)

var (
	errReadonly      = errors.New("server is read-only")
	errNotEnoughRoom = errors.New("not enough free space")
	errEmptyShare    = errors.New("share must not be empty")
	errNoLease       = errors.New("account holds no lease on share")
)

type server struct {
	conf           Config
	identity       *nodeIdentity
	db             *hajleasedb.DB
	store          *hajsharestore.Store
	blacklist      *hajblacklist.Blacklist
	crawler        *hajcrawler.Crawler
	metrics        *metricsController
	jobs           *scheduler.Controller
	availableSpace func() (int64, error)
	logl           *logex.Leveled
}

// opens the lease DB etc. from an initialized base dir. jobs are not started yet
func openServer(baseDir string, conf Config, logger *log.Logger) (*server, error) {
	identity, err := readNodeIdentity(baseDir)
	if err != nil {
		return nil, err
	}

	db, err := hajleasedb.Open(filepath.Join(baseDir, leaseDBFilename), logex.Prefix("leasedb", logger))
	if err != nil {
		return nil, err
	}

	metrics := newMetricsController()

	sharesDir := SharesDir(baseDir)

	store := hajsharestore.New(sharesDir, logex.Prefix("sharestore", logger))

	return &server{
		conf:      conf,
		identity:  identity,
		db:        db,
		store:     store,
		blacklist: hajblacklist.New(filepath.Join(baseDir, blacklistFilename), logex.Prefix("blacklist", logger)),
		crawler: hajcrawler.New(
			db,
			store,
			filepath.Join(baseDir, crawlerStateFilename),
			conf.crawlerConfig(),
			hajcrawler.NewMetrics(metrics.registry)),
		metrics: metrics,
		availableSpace: func() (int64, error) {
			return availableSpace(sharesDir)
		},
		logl: logex.Levels(logex.NonNil(logger)),
	}, nil
}

func (s *server) Close() error {
	return s.db.Close()
}

func (s *server) scheduledJobs(now time.Time) ([]*scheduler.Job, error) {
	crawl, err := scheduler.NewJob(
		jobAccountingCrawl,
		"Reconcile shares on disk with the lease DB, expire leases & delete unleased shares",
		s.conf.CrawlerSchedule,
		s.crawler.Crawl,
		now)
	if err != nil {
		return nil, err
	}

	expiry, err := scheduler.NewJob(
		jobLeaseExpiry,
		"Expire leases",
		s.conf.LeaseExpirySchedule,
		s.crawler.ExpireLeases,
		now)
	if err != nil {
		return nil, err
	}

	return []*scheduler.Job{crawl, expiry}, nil
}

func (s *server) startJobs(logger *log.Logger, start func(func(context.Context) error)) error {
	jobs, err := s.scheduledJobs(time.Now())
	if err != nil {
		return err
	}

	s.jobs = scheduler.New(jobs, logger, start)

	return nil
}

// our announcement, with claimed usage as of now
func (s *server) announcement() (*hajsign.AnnouncementV2, error) {
	var used int64
	if err := s.db.View(func(tx *hajleasedb.Tx) error {
		var err error
		_, used, err = tx.GetTotalLeasedShareCountAndUsedSpace()
		return err
	}); err != nil {
		return nil, err
	}

	return s.identity.announcement(s.conf, used)
}

// space left for new shares after the reserve
func (s *server) roomForShares() (int64, error) {
	available, err := s.availableSpace()
	if err != nil {
		return 0, err
	}

	room := available - s.conf.ReservedSpace
	if room < 0 {
		return 0, nil
	}

	return room, nil
}

// removes the DB row (with its leases) of an upload that did not complete. removeFile
// only if this upload is what put it there
func (s *server) abortUpload(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, removeFile bool) {
	if removeFile {
		if err := s.store.Delete(si, shnum); err != nil {
			s.logl.Error.Printf("abortUpload: %v", err)
		}
	}

	if err := s.db.Update(func(tx *hajleasedb.Tx) error {
		if err := tx.RemoveDeletedShare(si, shnum); err != nil && !errors.Is(err, hajleasedb.ErrUnknownShare) {
			return err
		}
		return nil
	}); err != nil {
		s.logl.Error.Printf("abortUpload: %v", err)
	}
}

// second half of GOING -> file removed -> row removed, for a share already marked GOING.
// a crash in between leaves a GOING row that the crawler reaps
func (s *server) deleteGoingShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) error {
	if err := s.store.Delete(si, shnum); err != nil {
		return err
	}

	return s.db.Update(func(tx *hajleasedb.Tx) error {
		return tx.RemoveDeletedShare(si, shnum)
	})
}

func Serve(ctx context.Context, baseDir string, logger *log.Logger) error {
	logl := logex.Levels(logger)

	conf, err := readConfig(baseDir)
	if err != nil {
		return err
	}

	srv, err := openServer(baseDir, *conf, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	tasks := taskrunner.New(ctx, logger)

	// schedules were validated along with the config, so this does not fail half-way
	if err := srv.startJobs(logex.Prefix("scheduler", logger), func(task func(context.Context) error) {
		tasks.Start("scheduler", task)
	}); err != nil {
		return err
	}

	tasks.Start("metrics", srv.metrics.Task(srv.db, srv.jobs))

	if conf.IntroducerURL != "" {
		publisher := hajintroducer.NewPublisher(
			conf.IntroducerURL,
			conf.AnnounceInterval.Duration(),
			srv.announcement,
			logex.Prefix("publisher", logger))

		tasks.Start("publisher", publisher.Task)
	} else {
		logl.Info.Println("introducer_url not set; not announcing")
	}

	router := mux.NewRouter()
	defineRestApi(router, srv, logex.Prefix("restapi", logger))

	listener, err := hajutils.CreateTCPOrDomainSocketListener(conf.ListenAddr, logl)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Handler: srv.metrics.WrapHTTPServer(router),
	}

	tasks.Start("listener "+listener.Addr().String(), func(ctx context.Context) error {
		return httputils.RemoveGracefulServerClosedError(httpSrv.Serve(listener))
	})

	tasks.Start("listenershutdowner", httputils.ServerShutdownTask(httpSrv))

	logl.Info.Printf("storage server %s (%s) listening on %s", conf.Nickname, srv.identity.serverID, listener.Addr().String())

	if err := tasks.Wait(); err != nil {
		return fmt.Errorf("storage server: %w", err)
	}

	return nil
}
