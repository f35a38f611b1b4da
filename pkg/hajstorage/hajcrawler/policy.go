package hajcrawler

import (
	"fmt"
	"time"

	"github.com/function61/hajautus/pkg/hajstorage/hajleasedb"
	"github.com/function61/hajautus/pkg/hajtypes"
)

type ExpirationMode string

const (
	// lease expires at its expiration time, or override_lease_duration after renewal
	ExpirationModeAge ExpirationMode = "age"
	// leases renewed before cutoff_date expire
	ExpirationModeCutoffDate ExpirationMode = "cutoff-date"
)

// disabled policy never expires leases, and therefore never deletes shares
type ExpirationPolicy struct {
	Enabled               bool              `json:"enabled"`
	Mode                  ExpirationMode    `json:"mode"`
	OverrideLeaseDuration hajtypes.Duration `json:"override_lease_duration,omitempty"`
	CutoffDate            time.Time         `json:"cutoff_date"`
}

func (e ExpirationPolicy) Validate() error {
	if !e.Enabled {
		return nil
	}

	switch e.Mode {
	case ExpirationModeAge:
		if e.OverrideLeaseDuration < 0 {
			return fmt.Errorf("expiration: negative override_lease_duration")
		}
	case ExpirationModeCutoffDate:
		if e.CutoffDate.IsZero() {
			return fmt.Errorf("expiration: mode %s requires cutoff_date", e.Mode)
		}
	default:
		return fmt.Errorf("expiration: unknown mode '%s'", e.Mode)
	}

	return nil
}

// removes leases that the policy considers expired at now. returns count of removed leases
func (e ExpirationPolicy) RemoveExpired(tx *hajleasedb.Tx, now time.Time) (int, error) {
	if !e.Enabled {
		return 0, nil
	}

	switch e.Mode {
	case ExpirationModeAge:
		if e.OverrideLeaseDuration == 0 {
			return tx.RemoveExpiredLeases(now)
		}

		override := e.OverrideLeaseDuration.Duration()

		return tx.RemoveLeases(func(lease hajleasedb.Lease) bool {
			return !now.Before(lease.Renewal.Add(override))
		})
	case ExpirationModeCutoffDate:
		return tx.RemoveLeases(func(lease hajleasedb.Lease) bool {
			return lease.Renewal.Before(e.CutoffDate)
		})
	default:
		return 0, fmt.Errorf("expiration: unknown mode '%s'", e.Mode)
	}
}
