package hajblacklist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/hajautus/pkg/hajtypes"
)

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(`# takedowns
74aqeayeaudaocajbifqydiob4 court order 2024-01

aeaqeayeaudaocajbifqydiob4
`))
	assert.Assert(t, err == nil)
	assert.Assert(t, len(entries) == 2)
	assert.EqualString(t, entries[mustSI("74aqeayeaudaocajbifqydiob4")], "court order 2024-01")
	assert.EqualString(t, entries[mustSI("aeaqeayeaudaocajbifqydiob4")], "blacklisted")

	_, err = Parse(strings.NewReader("74aqeayeaudaocajbifqydiob4 ok\nnot-a-storage-index reason\n"))
	assert.EqualString(t, err.Error(), "line 2: bad storage index")
}

func TestCheckReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.blacklist")
	siX := mustSI("74aqeayeaudaocajbifqydiob4")

	blacklist := New(path, nil)

	assert.Assert(t, blacklist.Check(siX) == nil) // no file => nothing prohibited

	writeBlacklist(t, path, "74aqeayeaudaocajbifqydiob4 malware\n", time.Now())

	err := blacklist.Check(siX)
	prohibited := &hajtypes.FileProhibitedError{}
	assert.Assert(t, errors.As(err, &prohibited))
	assert.EqualString(t, prohibited.Reason, "malware")
	assert.EqualString(t, err.Error(), "access to 74aqeayeaudaocajbifqydiob4 prohibited: malware")

	// broken edit keeps previous list
	writeBlacklist(t, path, "garbage\n", time.Now().Add(time.Minute))
	assert.Assert(t, blacklist.Check(siX) != nil)

	writeBlacklist(t, path, "# all clear\n", time.Now().Add(2*time.Minute))
	assert.Assert(t, blacklist.Check(siX) == nil)

	writeBlacklist(t, path, "74aqeayeaudaocajbifqydiob4 again\n", time.Now().Add(3*time.Minute))
	assert.Assert(t, blacklist.Check(siX) != nil)

	assert.Assert(t, os.Remove(path) == nil)
	assert.Assert(t, blacklist.Check(siX) == nil)
}

func writeBlacklist(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()

	assert.Assert(t, os.WriteFile(path, []byte(content), 0644) == nil)
	// explicit mtimes, so that consecutive writes are distinguishable
	assert.Assert(t, os.Chtimes(path, mtime, mtime) == nil)
}

func mustSI(serialized string) hajtypes.StorageIndex {
	si, err := hajtypes.StorageIndexFromString(serialized)
	if err != nil {
		panic(err)
	}
	return si
}
