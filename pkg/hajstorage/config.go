package hajstorage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/hajautus/pkg/hajstorage/hajcrawler"
	"github.com/function61/hajautus/pkg/hajtypes"
	"github.com/function61/hajautus/pkg/scheduler"
)

const (
	configFilename       = "config.json"
	leaseDBFilename      = "lease.db"
	crawlerStateFilename = "crawler.state"
	sharesDirname        = "shares"
	privateKeyFilename   = "private/node.privkey"
	blacklistFilename    = "access.blacklist"
)

type Config struct {
	Nickname             string                      `json:"nickname"`
	ListenAddr           string                      `json:"listen_addr"`
	AdvertisedAddr       string                      `json:"advertised_addr"` // host:port that clients reach us at
	IntroducerURL        string                      `json:"introducer_url"`  // empty = don't announce
	AnnounceInterval     hajtypes.Duration           `json:"announce_interval"`
	Readonly             bool                        `json:"readonly"`
	ReservedSpace        int64                       `json:"reserved_space"` // bytes of free disk space that uploads may not use
	DefaultLeaseDuration hajtypes.Duration           `json:"default_lease_duration"`
	CrawlerSchedule      string                      `json:"crawler_schedule"`
	LeaseExpirySchedule  string                      `json:"lease_expiry_schedule"`
	AbandonedShareGrace  hajtypes.Duration           `json:"abandoned_share_grace"`
	Expiration           hajcrawler.ExpirationPolicy `json:"expiration"`
}

func DefaultConfig(nickname string) Config {
	return Config{
		Nickname:             nickname,
		ListenAddr:           ":8701",
		AdvertisedAddr:       "localhost:8701",
		AnnounceInterval:     hajtypes.Duration(10 * time.Minute),
		DefaultLeaseDuration: hajtypes.Duration(31 * 24 * time.Hour),
		CrawlerSchedule:      "@every 1h",
		LeaseExpirySchedule:  "@every 10m",
		AbandonedShareGrace:  hajtypes.Duration(24 * time.Hour),
		Expiration: hajcrawler.ExpirationPolicy{
			Enabled: false,
			Mode:    hajcrawler.ExpirationModeAge,
		},
	}
}

func (c Config) Validate() error {
	if c.Nickname == "" || !utf8.ValidString(c.Nickname) {
		return errors.New("nickname must be non-empty UTF-8")
	}

	if c.ListenAddr == "" {
		return errors.New("listen_addr missing")
	}

	if c.IntroducerURL != "" {
		if c.AdvertisedAddr == "" {
			return errors.New("advertised_addr required when introducer_url is set")
		}

		if c.AnnounceInterval <= 0 {
			return errors.New("announce_interval must be > 0")
		}
	}

	if c.ReservedSpace < 0 {
		return errors.New("reserved_space must be >= 0")
	}

	if c.DefaultLeaseDuration <= 0 {
		return errors.New("default_lease_duration must be > 0")
	}

	// zero grace would reap uploads that are still in progress
	if c.AbandonedShareGrace <= 0 {
		return errors.New("abandoned_share_grace must be > 0")
	}

	if err := scheduler.ValidateSchedule(c.CrawlerSchedule); err != nil {
		return fmt.Errorf("crawler_schedule: %w", err)
	}

	if err := scheduler.ValidateSchedule(c.LeaseExpirySchedule); err != nil {
		return fmt.Errorf("lease_expiry_schedule: %w", err)
	}

	return c.Expiration.Validate()
}

func (c Config) crawlerConfig() hajcrawler.Config {
	return hajcrawler.Config{
		AbandonedShareGrace: c.AbandonedShareGrace.Duration(),
		Expiration:          c.Expiration,
	}
}

func readConfig(baseDir string) (*Config, error) {
	conf := DefaultConfig("")
	if err := jsonfile.Read(filepath.Join(baseDir, configFilename), &conf, true); err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configFilename, err)
	}

	return &conf, nil
}

func writeConfig(baseDir string, conf Config) error {
	return jsonfile.Write(filepath.Join(baseDir, configFilename), conf)
}

// where a base dir keeps its share tree
func SharesDir(baseDir string) string {
	return filepath.Join(baseDir, sharesDirname)
}
