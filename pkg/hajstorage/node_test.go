package hajstorage

import (
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajintroducer"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajstorage/hajcrawler"
	"github.com/function61/hajautus/pkg/hajtypes"
)

func TestAnnouncement(t *testing.T) {
	conf := DefaultConfig("Bob's disk")
	conf.AdvertisedAddr = "192.168.1.5:8701"
	conf.Readonly = true

	ts := startTestServer(t, conf)

	ann, err := ts.srv.announcement()
	assert.Assert(t, err == nil)

	msg, key, err := ann.Unsign()
	assert.Assert(t, err == nil)
	assert.Assert(t, key != nil)

	assert.EqualString(t, msg.ServiceName, "storage")
	assert.EqualString(t, msg.Nickname, "Bob's disk")
	assert.Assert(t, msg.ExtraBool(hajintroducer.ExtraReadonly))
	assert.Assert(t, msg.ExtraInt64(hajintroducer.ExtraClaimedUsage) == 0)
	assert.EqualString(t, msg.ExtraString(hajintroducer.ExtraPermutationSeed), hajtypes.Base32.EncodeToString(key))

	serverID, err := hajsign.ServerIDFromAnnouncement(msg, key)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(serverID), string(ts.srv.identity.serverID))

	tubID, err := hajsign.TubIDFromFURL(msg.FURL)
	assert.Assert(t, err == nil)
	assert.EqualString(t, tubID, hajsign.ShortID(ts.srv.identity.publicKey))

	baseURL, err := BaseURLFromFURL(msg.FURL)
	assert.Assert(t, err == nil)
	assert.EqualString(t, baseURL, "http://192.168.1.5:8701")
}

func TestBaseURLFromFURL(t *testing.T) {
	for _, tc := range []struct {
		furl     string
		expected string
	}{
		{"pb://abcdefgh@tcp:example.com:8701/storage", "http://example.com:8701"},
		{"pb://abcdefgh@tor:xyz.onion:80,tcp:10.0.0.1:8701/storage", "http://10.0.0.1:8701"},
		{"pb://abcdefgh@tcp:[::1]:8701/storage", "http://[::1]:8701"},
		{"pb://abcdefgh@tor:xyz.onion:80/storage", "no usable location hint in FURL pb://abcdefgh@tor:xyz.onion:80/storage"},
		{"pb://abcdefgh@tcp:noport/storage", "no usable location hint in FURL pb://abcdefgh@tcp:noport/storage"},
		{"http://example.com", "malformed announcement: FURL without pb:// scheme"},
	} {
		t.Run(tc.furl, func(t *testing.T) {
			baseURL, err := BaseURLFromFURL(tc.furl)
			if err != nil {
				baseURL = err.Error()
			}

			assert.EqualString(t, baseURL, tc.expected)
		})
	}
}

func TestInitAndReadConfig(t *testing.T) {
	baseDir := t.TempDir()

	conf := DefaultConfig("node1")
	conf.IntroducerURL = "http://introducer:8700"

	assert.Assert(t, Init(baseDir, conf, logex.Discard) == nil)

	read, err := readConfig(baseDir)
	assert.Assert(t, err == nil)
	assert.EqualString(t, read.Nickname, "node1")
	assert.EqualString(t, read.IntroducerURL, "http://introducer:8700")
	assert.EqualString(t, read.CrawlerSchedule, "@every 1h")
	assert.Assert(t, read.DefaultLeaseDuration == conf.DefaultLeaseDuration)

	identity, err := readNodeIdentity(baseDir)
	assert.Assert(t, err == nil)
	assert.Assert(t, strings.HasPrefix(identity.publicKey, "pub-v0-"))

	assert.EqualString(t, Init(baseDir, conf, logex.Discard).Error(), "already initialized: "+baseDir+"/config.json exists")
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no nickname", func(c *Config) { c.Nickname = "" }, "nickname must be non-empty UTF-8"},
		{"zero grace", func(c *Config) { c.AbandonedShareGrace = 0 }, "abandoned_share_grace must be > 0"},
		{"bad cron", func(c *Config) { c.CrawlerSchedule = "every now and then" }, "crawler_schedule: "},
		{"introducer w/o address", func(c *Config) {
			c.IntroducerURL = "http://introducer:8700"
			c.AdvertisedAddr = ""
		}, "advertised_addr required when introducer_url is set"},
		{"bad policy", func(c *Config) {
			c.Expiration = hajcrawler.ExpirationPolicy{Enabled: true, Mode: hajcrawler.ExpirationModeCutoffDate}
		}, "expiration: mode cutoff-date requires cutoff_date"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultConfig("test")
			tc.mutate(&conf)

			errStr := ""
			if err := conf.Validate(); err != nil {
				errStr = err.Error()
			}

			assert.Assert(t, strings.HasPrefix(errStr, tc.expected))
			assert.Assert(t, (errStr == "") == (tc.expected == ""))
		})
	}
}
