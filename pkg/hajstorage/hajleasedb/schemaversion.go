package hajleasedb

import (
	"encoding/binary"
	"fmt"

	"github.com/function61/hajautus/pkg/blorm"
	"go.etcd.io/bbolt"
)

/*	Schema versions

	v1
	==
	  Changes: shares, leases (by_owner & by_expiration indices), accounts (by_key index)
	Migration: n/a
*/

const (
	CurrentSchemaVersion = 1
)

var (
	metaBucketKey    = []byte("_meta")
	schemaVersionKey = []byte("schemaVersion")
	nextOwnerKey     = []byte("nextOwner")
)

// returns blorm.ErrBucketNotFound if bootstrap required
func validateSchemaVersion(tx *bbolt.Tx) error {
	metaBucket := tx.Bucket(metaBucketKey)
	if metaBucket == nil {
		return blorm.ErrBucketNotFound
	}

	versionRaw := metaBucket.Get(schemaVersionKey)
	if len(versionRaw) != 4 {
		return fmt.Errorf("schema version missing from %s", metaBucketKey)
	}

	if schemaVersionInDB := binary.LittleEndian.Uint32(versionRaw); schemaVersionInDB != CurrentSchemaVersion {
		// migrations currently not implemented
		return fmt.Errorf(
			"incorrect schema version in DB: %d (expecting %d)",
			schemaVersionInDB,
			CurrentSchemaVersion)
	}

	return nil
}

func writeSchemaVersion(tx *bbolt.Tx) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return err
	}

	schemaVersionInDB := make([]byte, 4)
	binary.LittleEndian.PutUint32(schemaVersionInDB, CurrentSchemaVersion)

	return metaBucket.Put(schemaVersionKey, schemaVersionInDB)
}

// allocates next owner number from the monotonic counter
func allocateOwner(tx *bbolt.Tx) (uint64, error) {
	metaBucket := tx.Bucket(metaBucketKey)
	if metaBucket == nil {
		return 0, blorm.ErrBucketNotFound
	}

	next := firstAllocatedOwner
	if raw := metaBucket.Get(nextOwnerKey); raw != nil {
		next = binary.BigEndian.Uint64(raw)
	}

	return next, metaBucket.Put(nextOwnerKey, ownerKey(next+1))
}
