package hajleasedb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/function61/hajautus/pkg/blorm"
	"github.com/function61/hajautus/pkg/hajtypes"
	"go.etcd.io/bbolt"
)

// a transaction handle. not valid after the Update()/View() callback returns
type Tx struct {
	tx  *bbolt.Tx
	now time.Time
}

// transaction's clock reading. constant for the whole transaction
func (t *Tx) Now() time.Time {
	return t.now
}

// accounts

// idempotent. empty key maps to the anonymous account
func (t *Tx) GetOrAllocateOwnerNum(keyOrName string) (uint64, error) {
	if keyOrName == "" {
		return AnonymousOwner, nil
	}

	existing, err := t.ownerByPublicKey(keyOrName)
	if err != nil {
		return 0, err
	}

	if existing != nil {
		return *existing, nil
	}

	owner, err := allocateOwner(t.tx)
	if err != nil {
		return 0, err
	}

	return owner, accountRepository.Update(&Account{
		Owner:      owner,
		PublicKey:  keyOrName,
		Created:    t.now,
		Attributes: map[string]string{},
	}, t.tx)
}

// returns ErrUnknownAccount for keys not seen before. does not allocate
func (t *Tx) LookupOwnerNum(keyOrName string) (uint64, error) {
	if keyOrName == "" {
		return AnonymousOwner, nil
	}

	existing, err := t.ownerByPublicKey(keyOrName)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, keyOrName)
	}

	return *existing, nil
}

func (t *Tx) GetAccount(owner uint64) (*Account, error) {
	account := &Account{}
	if err := accountRepository.OpenByPrimaryKey(ownerKey(owner), account, t.tx); err != nil {
		if err == blorm.ErrNotFound {
			return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, owner)
		}
		return nil, err
	}

	return account, nil
}

func (t *Tx) GetAllAccounts() ([]Account, error) {
	accounts := []Account{}
	err := accountRepository.Each(func(record any) error {
		accounts = append(accounts, *record.(*Account))
		return nil
	}, t.tx)

	return accounts, err
}

func (t *Tx) GetAccountCreationTime(owner uint64) (time.Time, error) {
	account, err := t.GetAccount(owner)
	if err != nil {
		return time.Time{}, err
	}

	return account.Created, nil
}

// second return value tells if the attribute was set
func (t *Tx) GetAccountAttribute(owner uint64, name string) (string, bool, error) {
	account, err := t.GetAccount(owner)
	if err != nil {
		return "", false, err
	}

	value, found := account.Attributes[name]
	return value, found, nil
}

func (t *Tx) SetAccountAttribute(owner uint64, name string, value string) error {
	account, err := t.GetAccount(owner)
	if err != nil {
		return err
	}

	if account.Attributes == nil {
		account.Attributes = map[string]string{}
	}

	account.Attributes[name] = value

	return accountRepository.Update(account, t.tx)
}

// SUM(used) over shares that have at least one lease held by owner
func (t *Tx) GetAccountUsage(owner uint64) (int64, error) {
	usage := int64(0)

	err := leasesByOwnerIndex.Query(ownerKey(owner), StartFromFirst, func(leaseID []byte) error {
		lease, err := t.lease(leaseID)
		if err != nil {
			return err
		}

		if lease.IsWholeObjectPlaceholder() {
			return nil
		}

		share, err := t.share(lease.StorageIndex, lease.ShareNumber)
		if err != nil {
			return err
		}

		usage += share.Used

		return nil
	}, t.tx)

	return usage, err
}

func (t *Tx) ownerByPublicKey(key string) (*uint64, error) {
	var owner *uint64

	err := accountsByPublicKeyIndex.Query([]byte(key), StartFromFirst, func(id []byte) error {
		account := &Account{}
		if err := accountRepository.OpenByPrimaryKey(id, account, t.tx); err != nil {
			return err
		}

		owner = &account.Owner

		return ErrStopIteration
	}, t.tx)

	return owner, err
}

// shares

// new share starts in COMING. whole-object leases already held for the storage index
// are copied onto the new share.
func (t *Tx) AddNewShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, used int64) error {
	if shnum < 0 {
		return fmt.Errorf("%w: %d", hajtypes.ErrBadShareNumber, shnum)
	}

	exists, err := shareRepository.Exists(shareKey(si.String(), int(shnum)), t.tx)
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("%w: %s", ErrShareAlreadyExists, fmtShare(si, shnum))
	}

	if err := shareRepository.Update(&Share{
		Prefix:       si.Prefix(),
		StorageIndex: si.String(),
		ShareNumber:  int(shnum),
		State:        ShareStateComing,
		Used:         used,
		StateChanged: t.now,
	}, t.tx); err != nil {
		return err
	}

	placeholders, err := t.leasesOfShare(si.String(), int(hajtypes.WholeObject))
	if err != nil {
		return err
	}

	for _, placeholder := range placeholders {
		inherited := placeholder
		inherited.ShareNumber = int(shnum)

		if err := leaseRepository.Update(&inherited, t.tx); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tx) MarkShareAsStable(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, used int64) error {
	// a stable share always accounts for some space
	if used <= 0 {
		return fmt.Errorf("%w: %s: stable share must have used > 0 (got %d)", ErrIllegalStateTransition, fmtShare(si, shnum), used)
	}

	return t.transition(si, shnum, ShareStateComing, ShareStateStable, func(share *Share) {
		share.Used = used
	})
}

func (t *Tx) MarkShareAsGoing(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) error {
	return t.transition(si, shnum, ShareStateStable, ShareStateGoing, func(*Share) {})
}

// updates accounting without changing state
func (t *Tx) ChangeShareSpace(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, used int64) error {
	share, err := t.share(si.String(), int(shnum))
	if err != nil {
		return err
	}

	if share.State == ShareStateStable && used <= 0 {
		return fmt.Errorf("%w: %s: stable share must have used > 0 (got %d)", ErrIllegalStateTransition, fmtShare(si, shnum), used)
	}

	share.Used = used

	return shareRepository.Update(share, t.tx)
}

// removes the share row and all of its leases
func (t *Tx) RemoveDeletedShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) error {
	if _, err := t.share(si.String(), int(shnum)); err != nil {
		return err
	}

	leases, err := t.leasesOfShare(si.String(), int(shnum))
	if err != nil {
		return err
	}

	for _, lease := range leases {
		lease := lease // pin
		if err := leaseRepository.Delete(&lease, t.tx); err != nil {
			return err
		}
	}

	return shareRepository.DeleteByPrimaryKey(shareKey(si.String(), int(shnum)), t.tx)
}

func (t *Tx) GetShare(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) (*Share, error) {
	return t.share(si.String(), int(shnum))
}

// all shares of a storage index, ordered by share number
func (t *Tx) GetSharesOf(si hajtypes.StorageIndex) ([]Share, error) {
	return t.sharesWithKeyPrefix([]byte(si.String()))
}

// all shares under a two-character prefix, ordered by (si, shnum)
func (t *Tx) GetSharesForPrefix(prefix string) ([]Share, error) {
	if !hajtypes.IsValidPrefix(prefix) {
		return nil, fmt.Errorf("invalid prefix: %s", prefix)
	}

	return t.sharesWithKeyPrefix([]byte(prefix))
}

// number of distinct storage indices that have at least one share
func (t *Tx) GetNumberOfSharesets() (int, error) {
	count := 0
	previous := ""

	err := shareRepository.Each(func(record any) error {
		if si := record.(*Share).StorageIndex; si != previous {
			count++
			previous = si
		}

		return nil
	}, t.tx)

	return count, err
}

// counts shares that have at least one lease, and their total space
func (t *Tx) GetTotalLeasedShareCountAndUsedSpace() (int, int64, error) {
	count := 0
	used := int64(0)

	err := shareRepository.Each(func(record any) error {
		share := record.(*Share)

		leased, err := t.hasLeases(share.StorageIndex, share.ShareNumber)
		if err != nil {
			return err
		}

		if leased {
			count++
			used += share.Used
		}

		return nil
	}, t.tx)

	return count, used, err
}

// stable shares without any lease, ordered by (prefix, si, shnum). limit <= 0 means no limit
func (t *Tx) GetUnleasedShares(limit int) ([]ShareRef, error) {
	unleased := []ShareRef{}

	err := shareRepository.Each(func(record any) error {
		share := record.(*Share)

		if share.State != ShareStateStable {
			return nil
		}

		leased, err := t.hasLeases(share.StorageIndex, share.ShareNumber)
		if err != nil || leased {
			return err
		}

		ref, err := share.Ref()
		if err != nil {
			return err
		}

		unleased = append(unleased, ref)

		if limit > 0 && len(unleased) >= limit {
			return ErrStopIteration
		}

		return nil
	}, t.tx)

	return unleased, err
}

// leases

// atomic upsert. WholeObject applies the lease to every known share of si and records a
// placeholder so that shares added later inherit it.
func (t *Tx) AddOrRenewLeases(
	si hajtypes.StorageIndex,
	shnum hajtypes.ShareNumber,
	owner uint64,
	renewal time.Time,
	expiration time.Time,
) error {
	if _, err := t.GetAccount(owner); err != nil {
		return err
	}

	shnums := []int{}

	if shnum.IsWholeObject() {
		shares, err := t.GetSharesOf(si)
		if err != nil {
			return err
		}

		for _, share := range shares {
			shnums = append(shnums, share.ShareNumber)
		}

		shnums = append(shnums, int(hajtypes.WholeObject))
	} else {
		if _, err := t.share(si.String(), int(shnum)); err != nil {
			return err
		}

		shnums = append(shnums, int(shnum))
	}

	for _, num := range shnums {
		if err := leaseRepository.Update(&Lease{
			StorageIndex: si.String(),
			ShareNumber:  num,
			Owner:        owner,
			Renewal:      renewal,
			Expiration:   expiration,
		}, t.tx); err != nil {
			return err
		}
	}

	return nil
}

// the lease the crawler gives to shares it finds on disk but not in the DB
func (t *Tx) AddStarterLease(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) error {
	return t.AddOrRenewLeases(si, shnum, StarterOwner, t.now, t.now.Add(StarterLeaseDuration))
}

// leases held by owner on any share (or placeholder) of si
func (t *Tx) GetLeases(si hajtypes.StorageIndex, owner uint64) ([]Lease, error) {
	leases := []Lease{}

	err := leaseRepository.EachWithPrefix([]byte(si.String()), func(record any) error {
		if lease := record.(*Lease); lease.Owner == owner {
			leases = append(leases, *lease)
		}

		return nil
	}, t.tx)

	return leases, err
}

// leases of all owners on a single share
func (t *Tx) GetShareLeases(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) ([]Lease, error) {
	return t.leasesOfShare(si.String(), int(shnum))
}

// removes leases whose expiration time is at or before now. returns count of removed leases
func (t *Tx) RemoveExpiredLeases(now time.Time) (int, error) {
	expired := [][]byte{}

	if err := leasesByExpirationIndex.Query(StartFromFirst, func(sortKey []byte, leaseID []byte) error {
		if bytes.Compare(sortKey[:8], timeSortKey(now.UnixNano())) > 0 {
			return ErrStopIteration // index is ordered, so rest of leases are also live
		}

		expired = append(expired, leaseID)

		return nil
	}, t.tx); err != nil {
		return 0, err
	}

	for _, leaseID := range expired {
		if err := leaseRepository.DeleteByPrimaryKey(leaseID, t.tx); err != nil {
			return 0, err
		}
	}

	return len(expired), nil
}

// removes owner's lease on one share. returns false if owner held none
func (t *Tx) RemoveLease(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, owner uint64) (bool, error) {
	err := leaseRepository.DeleteByPrimaryKey(leaseKey(si.String(), int(shnum), owner), t.tx)
	switch {
	case err == blorm.ErrNotFound:
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// removes leases matching predicate. used for expiration policies other than "expiration time"
func (t *Tx) RemoveLeases(shouldRemove func(lease Lease) bool) (int, error) {
	matching := [][]byte{}

	if err := leaseRepository.Each(func(record any) error {
		if lease := record.(*Lease); shouldRemove(*lease) {
			matching = append(matching, leaseKey(lease.StorageIndex, lease.ShareNumber, lease.Owner))
		}

		return nil
	}, t.tx); err != nil {
		return 0, err
	}

	for _, leaseID := range matching {
		if err := leaseRepository.DeleteByPrimaryKey(leaseID, t.tx); err != nil {
			return 0, err
		}
	}

	return len(matching), nil
}

// helpers

func (t *Tx) share(si string, shnum int) (*Share, error) {
	share := &Share{}
	if err := shareRepository.OpenByPrimaryKey(shareKey(si, shnum), share, t.tx); err != nil {
		if err == blorm.ErrNotFound {
			return nil, fmt.Errorf("%w: %s/%d", ErrUnknownShare, si, shnum)
		}
		return nil, err
	}

	return share, nil
}

func (t *Tx) lease(id []byte) (*Lease, error) {
	lease := &Lease{}
	return lease, leaseRepository.OpenByPrimaryKey(id, lease, t.tx)
}

func (t *Tx) transition(
	si hajtypes.StorageIndex,
	shnum hajtypes.ShareNumber,
	from ShareState,
	to ShareState,
	mutate func(*Share),
) error {
	share, err := t.share(si.String(), int(shnum))
	if err != nil {
		return err
	}

	if share.State != from {
		return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalStateTransition, fmtShare(si, shnum), share.State, to)
	}

	mutate(share)
	share.State = to
	share.StateChanged = t.now

	return shareRepository.Update(share, t.tx)
}

func (t *Tx) sharesWithKeyPrefix(prefix []byte) ([]Share, error) {
	shares := []Share{}
	err := shareRepository.EachWithPrefix(prefix, func(record any) error {
		shares = append(shares, *record.(*Share))
		return nil
	}, t.tx)

	return shares, err
}

func (t *Tx) leasesOfShare(si string, shnum int) ([]Lease, error) {
	leases := []Lease{}
	err := leaseRepository.EachWithPrefix(shareKey(si, shnum), func(record any) error {
		leases = append(leases, *record.(*Lease))
		return nil
	}, t.tx)

	return leases, err
}

func (t *Tx) hasLeases(si string, shnum int) (bool, error) {
	has := false
	err := leaseRepository.EachWithPrefix(shareKey(si, shnum), func(record any) error {
		has = true
		return ErrStopIteration
	}, t.tx)

	return has, err
}
