package hajtypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestStorageIndexRendering(t *testing.T) {
	si := StorageIndex{0xff, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}

	assert.EqualString(t, si.String(), "74aqeayeaudaocajbifqydiob4")
	assert.EqualString(t, si.Prefix(), "74")

	parsed, err := StorageIndexFromString(si.String())
	assert.Assert(t, err == nil)
	assert.Assert(t, parsed == si)
}

func TestStorageIndexFromStringRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"",
		"74aqeayeaudaocajbifqydiob",   // too short
		"74aqeayeaudaocajbifqydiob4a", // too long
		"74AQEAYEAUDAOCAJBIFQYDIOB4",  // uppercase
		"74aqeayeaudaocajbifqydio18",  // outside alphabet
		"74aqeayeaudaocajbifqydiob7",  // non-zero trailing bits (= ...diob4)
	} {
		_, err := StorageIndexFromString(input)
		assert.Assert(t, err == ErrBadStorageIndex)
	}
}

func TestAllPrefixes(t *testing.T) {
	prefixes := AllPrefixes()

	assert.Assert(t, len(prefixes) == 1024)
	assert.EqualString(t, prefixes[0], "22")
	assert.EqualString(t, prefixes[1023], "zz")

	for _, prefix := range prefixes {
		assert.Assert(t, IsValidPrefix(prefix))
	}

	assert.Assert(t, !IsValidPrefix("a"))
	assert.Assert(t, !IsValidPrefix("a1"))
}

func TestFileProhibitedError(t *testing.T) {
	si, _ := StorageIndexFromString("74aqeayeaudaocajbifqydiob4")

	err := &FileProhibitedError{StorageIndex: si, Reason: "dmca takedown"}

	assert.EqualString(t, err.Error(), "access to 74aqeayeaudaocajbifqydiob4 prohibited: dmca takedown")
}

func TestDurationJSON(t *testing.T) {
	conf := struct {
		Grace Duration `json:"grace"`
	}{}

	assert.Assert(t, json.Unmarshal([]byte(`{"grace": "744h"}`), &conf) == nil)
	assert.Assert(t, conf.Grace.Duration() == 744*time.Hour)

	serialized, err := json.Marshal(conf)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(serialized), `{"grace":"744h0m0s"}`)

	assert.EqualString(t, json.Unmarshal([]byte(`{"grace": "a week"}`), &conf).Error(), `time: invalid duration "a week"`)
}
