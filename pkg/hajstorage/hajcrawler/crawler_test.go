package hajcrawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/hajstorage/hajsharestore"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	siX = mustSI("74aqeayeaudaocajbifqydiob4") // prefix 74
	siY = mustSI("aeaqeayeaudaocajbifqydiob4") // prefix ae

	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestAdoptsSharesFoundOnDisk(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	env.writeShare(siX, 0, "hello")
	env.writeShare(siX, 1, "")

	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		share, err := tx.GetShare(siX, 0)
		assert.Assert(t, err == nil)
		assert.Assert(t, share.State == hajleasedb.ShareStateStable)
		assert.Assert(t, share.Used == 5)

		leases, err := tx.GetLeases(siX, hajleasedb.StarterOwner)
		assert.Assert(t, err == nil)
		assert.Assert(t, len(leases) == 2)
		assert.Assert(t, leases[0].Expiration.Equal(t0.Add(hajleasedb.StarterLeaseDuration)))

		empty, err := tx.GetShare(siX, 1)
		assert.Assert(t, err == nil)
		assert.Assert(t, empty.State == hajleasedb.ShareStateComing)

		return nil
	})

	state := env.state()
	assert.Assert(t, state.CycleStarted.IsZero())
	assert.Assert(t, len(state.History) == 1)
	assert.Assert(t, state.History[0].Cycle == 1)
	assert.Assert(t, state.History[0].SharesExamined == 2)
	assert.Assert(t, state.History[0].StarterLeases == 2)

	assert.Assert(t, testutil.ToFloat64(env.metrics.cycles) == 1)
	assert.Assert(t, testutil.ToFloat64(env.metrics.prefixes) == 1024)

	// second cycle has nothing to adopt
	env.crawl()

	state = env.state()
	assert.Assert(t, len(state.History) == 2)
	assert.Assert(t, state.History[0].Cycle == 2)
	assert.Assert(t, state.History[0].StarterLeases == 0)
}

func TestRemovesRowsOfVanishedShares(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	env.addStableShare(siY, 0, 100, t0.Add(24*time.Hour))
	env.addStableShare(siY, 1, 100, t0.Add(24*time.Hour))
	env.writeShare(siY, 1, strings.Repeat("x", 100))

	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		_, err := tx.GetShare(siY, 0)
		assert.Assert(t, errors.Is(err, hajleasedb.ErrUnknownShare))

		_, err = tx.GetShare(siY, 1)
		assert.Assert(t, err == nil)

		return nil
	})

	assert.Assert(t, env.state().History[0].VanishedShares == 1)
}

func TestCorrectsUsedSpace(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	env.addStableShare(siX, 0, 999, t0.Add(24*time.Hour))
	env.writeShare(siX, 0, "seven b")

	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		share, err := tx.GetShare(siX, 0)
		assert.Assert(t, err == nil)
		assert.Assert(t, share.Used == 7)
		return nil
	})

	assert.Assert(t, env.state().History[0].SpaceCorrections == 1)
}

func TestReapsAbandonedShares(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	// upload that never completed
	assert.Assert(t, env.db.Update(func(tx *hajleasedb.Tx) error {
		return tx.AddNewShare(siX, 0, 0)
	}) == nil)
	env.writeShare(siX, 0, "partial")

	// young enough to still be in progress
	env.setNow(t0.Add(30 * time.Minute))
	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		_, err := tx.GetShare(siX, 0)
		assert.Assert(t, err == nil)
		return nil
	})

	env.setNow(t0.Add(2 * time.Hour))
	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		_, err := tx.GetShare(siX, 0)
		assert.Assert(t, errors.Is(err, hajleasedb.ErrUnknownShare))
		return nil
	})

	_, err := env.store.Size(siX, 0)
	assert.Assert(t, errors.Is(err, hajsharestore.ErrShareNotFound))

	assert.Assert(t, env.state().History[0].AbandonedShares == 1)
}

// lease expires at t=10 (here: hours): still counted at t=5, expired & collected at t=15
func TestExpiresLeasesAndDeletesUnleasedShares(t *testing.T) {
	env := newTestEnv(t, Config{
		AbandonedShareGrace: time.Hour,
		Expiration: ExpirationPolicy{
			Enabled: true,
			Mode:    ExpirationModeAge,
		},
	})

	env.addStableShare(siX, 0, 100, t0.Add(10*time.Hour))
	env.writeShare(siX, 0, strings.Repeat("x", 100))

	env.setNow(t0.Add(5 * time.Hour))
	env.crawl()

	assert.Assert(t, env.anonymousUsage() == 100)

	env.setNow(t0.Add(15 * time.Hour))
	env.crawl()

	assert.Assert(t, env.anonymousUsage() == 0)

	_, err := env.store.Size(siX, 0)
	assert.Assert(t, errors.Is(err, hajsharestore.ErrShareNotFound))

	summary := env.state().History[0]
	assert.Assert(t, summary.LeasesExpired == 1)
	assert.Assert(t, summary.SharesDeleted == 1)
	assert.Assert(t, summary.BytesDeleted == 100)

	assert.Assert(t, testutil.ToFloat64(env.metrics.bytesDeleted) == 100)
}

func TestDisabledExpirationKeepsEverything(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	env.addStableShare(siX, 0, 100, t0.Add(10*time.Hour))
	env.writeShare(siX, 0, strings.Repeat("x", 100))

	env.setNow(t0.Add(100 * time.Hour))
	env.crawl()

	_, err := env.store.Size(siX, 0)
	assert.Assert(t, err == nil)
	assert.Assert(t, env.state().History[0].LeasesExpired == 0)
}

func TestResumesFromCursor(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	assert.Assert(t, writeState(env.statePath, &State{
		Cycle:        7,
		CycleStarted: t0.Add(-time.Hour),
		LastPrefix:   "74",
		CurrentCycle: CycleSummary{Cycle: 7, Started: t0.Add(-time.Hour), SharesExamined: 3},
	}) == nil)

	env.writeShare(siX, 0, "before cursor")
	env.writeShare(siY, 0, "after cursor")

	env.crawl()

	env.db.View(func(tx *hajleasedb.Tx) error {
		_, err := tx.GetShare(siX, 0)
		assert.Assert(t, errors.Is(err, hajleasedb.ErrUnknownShare))

		_, err = tx.GetShare(siY, 0)
		assert.Assert(t, err == nil)

		return nil
	})

	summary := env.state().History[0]
	assert.Assert(t, summary.Cycle == 7)
	assert.Assert(t, summary.SharesExamined == 4)
	assert.Assert(t, summary.Started.Equal(t0.Add(-time.Hour)))
}

func TestStopsBetweenPrefixes(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Assert(t, env.crawler.Crawl(ctx, nil) == nil)

	state := env.state()
	assert.Assert(t, state.Cycle == 1)
	assert.Assert(t, !state.CycleStarted.IsZero())
	assert.EqualString(t, state.LastPrefix, "")
	assert.Assert(t, len(state.History) == 0)
}

func TestCorruptStateStartsOver(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	assert.Assert(t, os.WriteFile(env.statePath, []byte("{garbage"), 0600) == nil)

	env.crawl()

	assert.Assert(t, env.state().History[0].Cycle == 1)
}

type testEnv struct {
	t         *testing.T
	db        *hajleasedb.DB
	store     *hajsharestore.Store
	crawler   *Crawler
	metrics   *Metrics
	statePath string
}

func TestUploadsRacingWithReconcileKeepTheirLeases(t *testing.T) {
	env := newTestEnv(t, Config{AbandonedShareGrace: time.Hour})

	const uploads = 200

	var alice uint64
	assert.Assert(t, env.db.Update(func(tx *hajleasedb.Tx) error {
		var err error
		alice, err = tx.GetOrAllocateOwnerNum("alice")
		return err
	}) == nil)

	uploadsDone := make(chan struct{})
	uploadErrors := make(chan error, uploads)

	go func() {
		defer close(uploadsDone)

		for i := 0; i < uploads; i++ {
			uploadErrors <- env.upload(siX, hajtypes.ShareNumber(i), alice, "payload")
		}
	}()

	reconciling := true
	for reconciling {
		select {
		case <-uploadsDone:
			reconciling = false
		default:
		}

		assert.Assert(t, env.crawler.reconcilePrefix(siX.Prefix(), &CycleSummary{}, logex.Levels(logex.Discard)) == nil)
	}

	close(uploadErrors)
	for err := range uploadErrors {
		assert.Assert(t, err == nil)
	}

	assert.Assert(t, env.db.View(func(tx *hajleasedb.Tx) error {
		for i := 0; i < uploads; i++ {
			share, err := tx.GetShare(siX, hajtypes.ShareNumber(i))
			assert.Assert(t, err == nil)
			assert.Assert(t, share.State == hajleasedb.ShareStateStable)

			leases, err := tx.GetShareLeases(siX, hajtypes.ShareNumber(i))
			assert.Assert(t, err == nil)
			assert.Assert(t, len(leases) == 1)
			assert.Assert(t, leases[0].Owner == alice)
		}

		return nil
	}) == nil)
}

func newTestEnv(t *testing.T, conf Config) *testEnv {
	dir := t.TempDir()

	db, err := hajleasedb.Open(filepath.Join(dir, "lease.db"), nil)
	assert.Assert(t, err == nil)
	t.Cleanup(func() { db.Close() })

	store := hajsharestore.New(filepath.Join(dir, "shares"), nil)
	metrics := NewMetrics(prometheus.NewRegistry())
	statePath := filepath.Join(dir, "crawler.state")

	env := &testEnv{
		t:         t,
		db:        db,
		store:     store,
		crawler:   New(db, store, statePath, conf, metrics),
		metrics:   metrics,
		statePath: statePath,
	}

	env.setNow(t0)

	return env
}

func (e *testEnv) setNow(now time.Time) {
	e.db.SetClock(func() time.Time { return now })
	e.crawler.now = func() time.Time { return now }
}

func (e *testEnv) crawl() {
	e.t.Helper()

	assert.Assert(e.t, e.crawler.Crawl(context.Background(), nil) == nil)
}

func (e *testEnv) state() *State {
	e.t.Helper()

	state, err := e.crawler.State()
	assert.Assert(e.t, err == nil)

	return state
}

func (e *testEnv) writeShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, content string) {
	e.t.Helper()

	_, err := e.store.Write(si, shnum, strings.NewReader(content))
	assert.Assert(e.t, err == nil)
}

func (e *testEnv) addStableShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, used int64, expiration time.Time) {
	e.t.Helper()

	assert.Assert(e.t, e.db.Update(func(tx *hajleasedb.Tx) error {
		if err := tx.AddNewShare(si, shnum, 0); err != nil {
			return err
		}

		if err := tx.MarkShareAsStable(si, shnum, used); err != nil {
			return err
		}

		return tx.AddOrRenewLeases(si, shnum, hajleasedb.AnonymousOwner, t0, expiration)
	}) == nil)
}

// same steps as the storage server's upload: rows + lease, file, then STABLE
func (e *testEnv) upload(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, owner uint64, content string) error {
	if err := e.db.Update(func(tx *hajleasedb.Tx) error {
		if err := tx.AddNewShare(si, shnum, 0); err != nil {
			return err
		}

		return tx.AddOrRenewLeases(si, shnum, owner, t0, t0.Add(24*time.Hour))
	}); err != nil {
		return err
	}

	written, err := e.store.Write(si, shnum, strings.NewReader(content))
	if err != nil {
		return err
	}

	return e.db.Update(func(tx *hajleasedb.Tx) error {
		return tx.MarkShareAsStable(si, shnum, written)
	})
}

func (e *testEnv) anonymousUsage() int64 {
	e.t.Helper()

	usage := int64(0)
	assert.Assert(e.t, e.db.View(func(tx *hajleasedb.Tx) error {
		var err error
		usage, err = tx.GetAccountUsage(hajleasedb.AnonymousOwner)
		return err
	}) == nil)

	return usage
}

func mustSI(serialized string) hajtypes.StorageIndex {
	si, err := hajtypes.StorageIndexFromString(serialized)
	if err != nil {
		panic(err)
	}
	return si
}
