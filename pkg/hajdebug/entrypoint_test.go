package hajdebug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/hajautus/pkg/hajsign"
	"github.com/function61/hajautus/pkg/hajutils"
)

func TestSharePath(t *testing.T) {
	path, err := sharePathOf("/srv/haj", "74aqeayeaudaocajbifqydiob4", "3")
	assert.Assert(t, err == nil)
	assert.EqualString(t, path, "/srv/haj/shares/74/74aqeayeaudaocajbifqydiob4/3")

	_, err = sharePathOf("/srv/haj", "74aqeayeaudaocajbifqydiob4", "-1")
	assert.EqualString(t, err.Error(), "bad share number: -1")
}

func TestPrintKey(t *testing.T) {
	private, public, err := hajsign.MakeKeypair()
	assert.Assert(t, err == nil)

	out := &bytes.Buffer{}
	assert.Assert(t, printKey(hajutils.NewOutput(out, false), private, public) == nil)

	assert.Assert(t, strings.Contains(out.String(), `"private_key": "`+private+`"`))
	assert.Assert(t, strings.Contains(out.String(), `"short_id": "`+hajsign.ShortID(public)+`"`))

	out.Reset()
	assert.Assert(t, printKey(hajutils.NewOutput(out, false), "", public) == nil)
	assert.Assert(t, !strings.Contains(out.String(), "private_key"))
}

func TestPlanFile(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "input.json")

	assert.Assert(t, os.WriteFile(inputPath, []byte(`{
  "servers": ["s1", "s2", "s3"],
  "readonly_servers": ["s1"],
  "shares": [0, 1, 2],
  "servermap": {"s1": [0]}
}`), 0600) == nil)

	out := &bytes.Buffer{}
	assert.Assert(t, planFile(inputPath, hajutils.NewOutput(out, false)) == nil)

	assert.Assert(t, strings.Contains(out.String(), `"happiness": 3`))
	assert.Assert(t, strings.Contains(out.String(), `"homeless": []`))

	table := &bytes.Buffer{}
	assert.Assert(t, planFile(inputPath, hajutils.NewOutput(table, true)) == nil)

	assert.Assert(t, strings.Contains(table.String(), "keep"))
	assert.Assert(t, strings.Contains(table.String(), "upload"))
	assert.Assert(t, strings.Contains(table.String(), "happiness 3"))
}

func TestPlanFileRejectsUnknownFields(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "input.json")

	assert.Assert(t, os.WriteFile(inputPath, []byte(`{"servers": ["s1"], "shares": [0], "happines": 1}`), 0600) == nil)

	assert.Assert(t, planFile(inputPath, hajutils.NewOutput(&bytes.Buffer{}, false)) != nil)
}
