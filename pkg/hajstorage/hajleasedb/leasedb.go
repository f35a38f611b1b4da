// Transactional ledger of shares, leases and accounts of a storage server
package hajleasedb

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/blorm"
	"go.etcd.io/bbolt"
)

// bbolt gives us one writer and many MVCC readers, which is exactly the model we need
type DB struct {
	bolt *bbolt.DB
	now  func() time.Time
}

// opens (and if needed, bootstraps) the DB file
func Open(path string, logger *log.Logger) (*DB, error) {
	boltDB, err := bbolt.Open(path, 0700, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("lease DB open: %w", err)
	}

	db := &DB{
		bolt: boltDB,
		now:  time.Now,
	}

	if err := db.bootstrapIfNeeded(logex.NonNil(logger)); err != nil {
		boltDB.Close()
		return nil, err
	}

	return db, nil
}

// time source of transactions. defaults to time.Now
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

// runs fn in a read-write transaction. it commits if fn returns nil, otherwise rolls back.
// do not block on anything else inside fn: there is only one writer.
func (d *DB) Update(fn func(tx *Tx) error) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx, now: d.now()})
	})
}

// runs fn in a read-only transaction with a consistent snapshot
func (d *DB) View(fn func(tx *Tx) error) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx, now: d.now()})
	})
}

func (d *DB) bootstrapIfNeeded(logger *log.Logger) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		err := validateSchemaVersion(tx)
		if err == nil || !errors.Is(err, blorm.ErrBucketNotFound) {
			return err
		}

		logex.Levels(logger).Info.Println("bootstrapping lease DB")

		return bootstrap(tx, d.now())
	})
}

func bootstrap(tx *bbolt.Tx, now time.Time) error {
	// be extra safe and scan the DB to see that it is totally empty
	if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		return fmt.Errorf("DB not empty, found bucket: %s", name)
	}); err != nil {
		return err
	}

	for _, repo := range allRepositories {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}
	}

	return allOk([]error{
		writeSchemaVersion(tx),
		accountRepository.Update(&Account{
			Owner:      AnonymousOwner,
			Created:    now,
			Attributes: map[string]string{},
		}, tx),
		accountRepository.Update(&Account{
			Owner:      StarterOwner,
			Created:    now,
			Attributes: map[string]string{},
		}, tx),
	})
}

func allOk(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
