// Accounting crawler: slowly walks the share tree, reconciling what is on disk with what
// the lease DB believes, and at the end of each cycle expires leases & deletes shares
// nobody holds a lease on anymore.
package hajcrawler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/hajstorage/hajsharestore"
	"github.com/function61/hajautus/pkg/hajtypes"
)

const (
	stateSaveInterval = 5 * time.Second
	gcBatchSize       = 100
)

type Config struct {
	// COMING/GOING rows older than this are leftovers of interrupted uploads/deletions
	AbandonedShareGrace time.Duration
	Expiration          ExpirationPolicy
}

type Crawler struct {
	db        *hajleasedb.DB
	store     *hajsharestore.Store
	statePath string
	conf      Config
	metrics   *Metrics
	now       func() time.Time
}

func New(
	db *hajleasedb.DB,
	store *hajsharestore.Store,
	statePath string,
	conf Config,
	metrics *Metrics,
) *Crawler {
	return &Crawler{
		db:        db,
		store:     store,
		statePath: statePath,
		conf:      conf,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (c *Crawler) State() (*State, error) {
	return readState(c.statePath)
}

// Continues the current cycle from where the previous run left off. Stops between
// prefixes when ctx is cancelled, saving the cursor so the next run resumes.
func (c *Crawler) Crawl(ctx context.Context, logger *log.Logger) error {
	logl := logex.Levels(logex.NonNil(logger))

	state, err := readState(c.statePath)
	if err != nil {
		logl.Error.Printf("unreadable state; starting over: %v", err)
		state = &State{}
	}

	if state.CycleStarted.IsZero() {
		state.Cycle++
		state.CycleStarted = c.now()
		state.LastPrefix = ""
		state.CurrentCycle = CycleSummary{Cycle: state.Cycle, Started: state.CycleStarted}

		logl.Info.Printf("starting cycle %d", state.Cycle)
	} else {
		logl.Info.Printf("resuming cycle %d after prefix %s", state.Cycle, state.LastPrefix)
	}

	lastSaved := time.Now()

	for _, prefix := range hajtypes.AllPrefixes() {
		if state.LastPrefix != "" && prefix <= state.LastPrefix {
			continue
		}

		select {
		case <-ctx.Done():
			logl.Info.Printf("stopping after prefix %s", state.LastPrefix)
			return writeState(c.statePath, state)
		default:
		}

		if err := c.reconcilePrefix(prefix, &state.CurrentCycle, logl); err != nil {
			// save progress so far. the failing prefix gets retried on next run
			if errSave := writeState(c.statePath, state); errSave != nil {
				logl.Error.Printf("writeState: %v", errSave)
			}

			return fmt.Errorf("prefix %s: %w", prefix, err)
		}

		state.LastPrefix = prefix

		c.metrics.prefixes.Inc()

		if time.Since(lastSaved) >= stateSaveInterval {
			if err := writeState(c.statePath, state); err != nil {
				return err
			}

			lastSaved = time.Now()
		}
	}

	if err := c.finishCycle(ctx, state, logl); err != nil {
		if errSave := writeState(c.statePath, state); errSave != nil {
			logl.Error.Printf("writeState: %v", errSave)
		}

		return err
	}

	return writeState(c.statePath, state)
}

// the "lease-expiry" job, for running expiration more often than full cycles
func (c *Crawler) ExpireLeases(ctx context.Context, logger *log.Logger) error {
	expired, err := c.expireLeases()
	if err != nil {
		return err
	}

	if expired > 0 {
		logex.Levels(logex.NonNil(logger)).Info.Printf("expired %d lease(s)", expired)
	}

	return nil
}

func (c *Crawler) finishCycle(ctx context.Context, state *State, logl *logex.Leveled) error {
	summary := &state.CurrentCycle

	expired, err := c.expireLeases()
	if err != nil {
		return err
	}
	summary.LeasesExpired += expired

	if c.conf.Expiration.Enabled {
		if err := c.deleteUnleasedShares(ctx, summary, logl); err != nil {
			return err
		}

		// interrupted: finish GC on next run, without re-walking all prefixes
		if ctx.Err() != nil {
			return nil
		}
	}

	summary.Finished = c.now()

	state.recordFinished(*summary)
	state.CycleStarted = time.Time{}
	state.LastPrefix = ""
	state.CurrentCycle = CycleSummary{}

	c.metrics.cycles.Inc()

	logl.Info.Printf(
		"cycle %d completed: examined=%d starter=%d vanished=%d abandoned=%d expired=%d deleted=%d",
		summary.Cycle,
		summary.SharesExamined,
		summary.StarterLeases,
		summary.VanishedShares,
		summary.AbandonedShares,
		summary.LeasesExpired,
		summary.SharesDeleted)

	return nil
}

func (c *Crawler) expireLeases() (int, error) {
	expired := 0

	if err := c.db.Update(func(tx *hajleasedb.Tx) error {
		var err error
		expired, err = c.conf.Expiration.RemoveExpired(tx, c.now())
		return err
	}); err != nil {
		return 0, err
	}

	c.metrics.leasesExpired.Add(float64(expired))

	return expired, nil
}

type shareKey struct {
	si    string
	shnum int
}

// the directory is listed inside the write transaction: uploads write their file before
// committing STABLE, so a STABLE row seen here always has its file in the listing
func (c *Crawler) reconcilePrefix(prefix string, summary *CycleSummary, logl *logex.Leveled) error {
	now := c.now()

	// counted only if the transaction commits
	delta := CycleSummary{}

	if err := c.db.Update(func(tx *hajleasedb.Tx) error {
		onDisk, err := c.store.ListPrefix(prefix)
		if err != nil {
			return err
		}

		onDiskByKey := map[shareKey]hajsharestore.OnDiskShare{}
		for _, share := range onDisk {
			onDiskByKey[shareKey{share.StorageIndex.String(), int(share.ShareNumber)}] = share
		}

		delta = CycleSummary{SharesExamined: len(onDisk)}

		known, err := tx.GetSharesForPrefix(prefix)
		if err != nil {
			return err
		}

		knownKeys := map[shareKey]bool{}

		for _, share := range known {
			key := shareKey{share.StorageIndex, share.ShareNumber}
			knownKeys[key] = true

			ref, err := share.Ref()
			if err != nil {
				return err
			}

			disk, existsOnDisk := onDiskByKey[key]

			switch {
			case share.State != hajleasedb.ShareStateStable && now.Sub(share.StateChanged) >= c.conf.AbandonedShareGrace:
				logl.Info.Printf("reaping abandoned %s share %s", share.State, ref)

				if err := c.store.Delete(ref.StorageIndex, ref.ShareNumber); err != nil {
					return err
				}

				if err := tx.RemoveDeletedShare(ref.StorageIndex, ref.ShareNumber); err != nil {
					return err
				}

				delta.AbandonedShares++
			case !existsOnDisk && share.State != hajleasedb.ShareStateComing:
				logl.Info.Printf("share %s vanished from disk", ref)

				if err := tx.RemoveDeletedShare(ref.StorageIndex, ref.ShareNumber); err != nil {
					return err
				}

				delta.VanishedShares++
			case existsOnDisk && share.State == hajleasedb.ShareStateStable && disk.Size > 0 && disk.Size != share.Used:
				if err := tx.ChangeShareSpace(ref.StorageIndex, ref.ShareNumber, disk.Size); err != nil {
					return err
				}

				delta.SpaceCorrections++
			}
		}

		for _, disk := range onDisk {
			if knownKeys[shareKey{disk.StorageIndex.String(), int(disk.ShareNumber)}] {
				continue
			}

			logl.Debug.Printf("adopting share %s/%d found on disk", disk.StorageIndex.String(), disk.ShareNumber)

			if err := tx.AddNewShare(disk.StorageIndex, disk.ShareNumber, disk.Size); err != nil {
				return err
			}

			// empty share stays COMING & gets reaped once past grace
			if disk.Size > 0 {
				if err := tx.MarkShareAsStable(disk.StorageIndex, disk.ShareNumber, disk.Size); err != nil {
					return err
				}
			}

			if err := tx.AddStarterLease(disk.StorageIndex, disk.ShareNumber); err != nil {
				return err
			}

			delta.StarterLeases++
		}

		return nil
	}); err != nil {
		return err
	}

	summary.add(delta)

	return nil
}

// GOING is recorded before the file is deleted, so a crash in between leaves a GOING row
// that a later cycle reaps as abandoned
func (c *Crawler) deleteUnleasedShares(ctx context.Context, summary *CycleSummary, logl *logex.Leveled) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		going := []hajleasedb.Share{}

		if err := c.db.Update(func(tx *hajleasedb.Tx) error {
			unleased, err := tx.GetUnleasedShares(gcBatchSize)
			if err != nil {
				return err
			}

			for _, ref := range unleased {
				share, err := tx.GetShare(ref.StorageIndex, ref.ShareNumber)
				if err != nil {
					return err
				}

				if err := tx.MarkShareAsGoing(ref.StorageIndex, ref.ShareNumber); err != nil {
					return err
				}

				going = append(going, *share)
			}

			return nil
		}); err != nil {
			return err
		}

		if len(going) == 0 {
			return nil
		}

		for _, share := range going {
			ref, err := share.Ref()
			if err != nil {
				return err
			}

			if err := c.store.Delete(ref.StorageIndex, ref.ShareNumber); err != nil {
				return err
			}

			if err := c.db.Update(func(tx *hajleasedb.Tx) error {
				return tx.RemoveDeletedShare(ref.StorageIndex, ref.ShareNumber)
			}); err != nil {
				return err
			}

			logl.Debug.Printf("deleted unleased share %s", ref)

			summary.SharesDeleted++
			summary.BytesDeleted += share.Used

			c.metrics.sharesDeleted.Inc()
			c.metrics.bytesDeleted.Add(float64(share.Used))
		}
	}
}

func (s *CycleSummary) add(other CycleSummary) {
	s.SharesExamined += other.SharesExamined
	s.StarterLeases += other.StarterLeases
	s.VanishedShares += other.VanishedShares
	s.AbandonedShares += other.AbandonedShares
	s.SpaceCorrections += other.SpaceCorrections
}
