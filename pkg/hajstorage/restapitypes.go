package hajstorage

import (
	"time"

	"github.com/function61/hajautus/pkg/hajstorage/hajcrawler"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/scheduler"
)

type ShareInfo struct {
	ShareNumber int   `json:"share_number"`
	Size        int64 `json:"size"`
}

type SharesetInfo struct {
	StorageIndex string      `json:"storage_index"`
	Shares       []ShareInfo `json:"shares"` // stable shares only
}

type LeaseInfo struct {
	ShareNumber int       `json:"share_number"` // -1 = whole-object placeholder
	Renewal     time.Time `json:"renewal"`
	Expiration  time.Time `json:"expiration"`
}

type RenewLeasesOutput struct {
	StorageIndex string      `json:"storage_index"`
	Owner        uint64      `json:"owner"`
	Leases       []LeaseInfo `json:"leases"`
}

type CancelLeaseOutput struct {
	ShareDeleted bool `json:"share_deleted"` // last lease went away, so did the share
}

type AccountUsage struct {
	Owner      uint64            `json:"owner"`
	PublicKey  string            `json:"public_key"`
	Created    time.Time         `json:"created"`
	Usage      int64             `json:"usage"`
	Attributes map[string]string `json:"attributes"`
}

type UnleasedShare struct {
	StorageIndex string `json:"storage_index"`
	ShareNumber  int    `json:"share_number"`
	Size         int64  `json:"size"`
}

type ServerStatus struct {
	ServerID       hajtypes.ServerID   `json:"server_id"`
	Nickname       string              `json:"nickname"`
	PublicKey      string              `json:"public_key"`
	FURL           string              `json:"furl"`
	Version        string              `json:"version"`
	Readonly       bool                `json:"readonly"`
	LeasedShares   int                 `json:"leased_shares"`
	UsedSpace      int64               `json:"used_space"`
	Sharesets      int                 `json:"sharesets"`
	AvailableSpace int64               `json:"available_space"` // reserved space already subtracted
	Crawler        *hajcrawler.State   `json:"crawler"`
	Jobs           []scheduler.JobSpec `json:"jobs"`
}
