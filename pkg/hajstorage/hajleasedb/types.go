package hajleasedb

import (
	"errors"
	"time"

	"github.com/function61/hajautus/pkg/hajtypes"
)

var (
	ErrShareAlreadyExists     = errors.New("share already exists")
	ErrUnknownShare           = errors.New("unknown share")
	ErrIllegalStateTransition = errors.New("illegal share state transition")
	ErrUnknownAccount         = errors.New("unknown account")
)

const (
	AnonymousOwner uint64 = 0
	StarterOwner   uint64 = 1

	firstAllocatedOwner uint64 = 2
)

// leases given to shares found on disk that the DB did not know about
const StarterLeaseDuration = 62 * 24 * time.Hour

type ShareState int

const (
	ShareStateComing ShareState = iota
	ShareStateStable
	ShareStateGoing
)

func (s ShareState) String() string {
	switch s {
	case ShareStateComing:
		return "COMING"
	case ShareStateStable:
		return "STABLE"
	case ShareStateGoing:
		return "GOING"
	default:
		return "UNKNOWN"
	}
}

type Share struct {
	Prefix       string
	StorageIndex string // base32
	ShareNumber  int
	State        ShareState
	Used         int64
	StateChanged time.Time
}

func (s *Share) Ref() (ShareRef, error) {
	si, err := hajtypes.StorageIndexFromString(s.StorageIndex)
	if err != nil {
		return ShareRef{}, err
	}

	return ShareRef{StorageIndex: si, ShareNumber: hajtypes.ShareNumber(s.ShareNumber)}, nil
}

type Lease struct {
	StorageIndex string // base32
	ShareNumber  int    // hajtypes.WholeObject for whole-object placeholder
	Owner        uint64
	Renewal      time.Time
	Expiration   time.Time
}

func (l *Lease) IsWholeObjectPlaceholder() bool {
	return hajtypes.ShareNumber(l.ShareNumber).IsWholeObject()
}

// lease is expired once its expiration time has been reached
func (l *Lease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.Expiration)
}

type Account struct {
	Owner      uint64
	PublicKey  string // key or name. empty for the reserved accounts
	Created    time.Time
	Attributes map[string]string
}

type ShareRef struct {
	StorageIndex hajtypes.StorageIndex
	ShareNumber  hajtypes.ShareNumber
}

func (s ShareRef) String() string {
	return fmtShare(s.StorageIndex, s.ShareNumber)
}
