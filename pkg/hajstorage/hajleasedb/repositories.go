package hajleasedb

import (
	"encoding/binary"
	"strconv"

	"github.com/function61/hajautus/pkg/blorm"
	"github.com/function61/hajautus/pkg/hajtypes"
)

// re-export so not all hajleasedb-importing packages have to import blorm
var (
	StartFromFirst   = blorm.StartFromFirst
	ErrStopIteration = blorm.ErrStopIteration
)

// key layout: <si base32><shnum uint32 BE>, so key order is (prefix, si, shnum)
var shareRepository = blorm.NewSimpleRepo(
	"shares",
	func() any { return &Share{} },
	func(record any) []byte {
		share := record.(*Share)
		return shareKey(share.StorageIndex, share.ShareNumber)
	})

// key layout: <share key><owner uint64 BE>
var leaseRepository = blorm.NewSimpleRepo(
	"leases",
	func() any { return &Lease{} },
	func(record any) []byte {
		lease := record.(*Lease)
		return leaseKey(lease.StorageIndex, lease.ShareNumber, lease.Owner)
	})

var leasesByOwnerIndex = blorm.NewValueIndex("by_owner", leaseRepository, func(record any, index func(val []byte)) {
	index(ownerKey(record.(*Lease).Owner))
})

var leasesByExpirationIndex = blorm.NewRangeIndex("by_expiration", leaseRepository, func(record any, index func(sortKey []byte)) {
	lease := record.(*Lease)

	index(append(timeSortKey(lease.Expiration.UnixNano()), leaseKey(lease.StorageIndex, lease.ShareNumber, lease.Owner)...))
})

var accountRepository = blorm.NewSimpleRepo(
	"accounts",
	func() any { return &Account{} },
	func(record any) []byte { return ownerKey(record.(*Account).Owner) })

var accountsByPublicKeyIndex = blorm.NewValueIndex("by_key", accountRepository, func(record any, index func(val []byte)) {
	if key := record.(*Account).PublicKey; key != "" {
		index([]byte(key))
	}
})

var allRepositories = []*blorm.SimpleRepository{
	shareRepository,
	leaseRepository,
	accountRepository,
}

// helpers

func shareKey(storageIndex string, shnum int) []byte {
	key := make([]byte, len(storageIndex)+4)
	copy(key, storageIndex)
	// WholeObject (-1) wraps to 0xffffffff and thus sorts after the real shares
	binary.BigEndian.PutUint32(key[len(storageIndex):], uint32(shnum))
	return key
}

func leaseKey(storageIndex string, shnum int, owner uint64) []byte {
	return append(shareKey(storageIndex, shnum), ownerKey(owner)...)
}

func ownerKey(owner uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, owner)
	return key
}

// flipping the sign bit keeps pre-1970 timestamps ordered correctly
func timeSortKey(unixNano int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(unixNano)^(1<<63))
	return key
}

func fmtShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) string {
	if shnum.IsWholeObject() {
		return si.String() + "/*"
	}

	return si.String() + "/" + strconv.Itoa(int(shnum))
}
