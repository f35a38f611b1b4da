package hajsharestore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/hajautus/pkg/hajtypes"
)

var (
	siX = mustSI("74aqeayeaudaocajbifqydiob4")
	siY = mustSI("74aqeayeaudaocajbifqydioca")
)

func TestPath(t *testing.T) {
	store := New("/srv/haj/shares", nil)

	assert.EqualString(t, store.Path(siX, 3), "/srv/haj/shares/74/74aqeayeaudaocajbifqydiob4/3")
}

func TestWriteReadDelete(t *testing.T) {
	store := New(t.TempDir(), nil)

	written, err := store.Write(siX, 0, strings.NewReader("share zero"))
	assert.Assert(t, err == nil)
	assert.Assert(t, written == 10)

	_, err = store.Write(siX, 0, strings.NewReader("again"))
	assert.Assert(t, errors.Is(err, ErrShareExists))

	file, err := store.Open(siX, 0)
	assert.Assert(t, err == nil)
	content, err := io.ReadAll(file)
	assert.Assert(t, err == nil)
	assert.Assert(t, file.Close() == nil)
	assert.EqualString(t, string(content), "share zero")

	size, err := store.Size(siX, 0)
	assert.Assert(t, err == nil)
	assert.Assert(t, size == 10)

	_, err = store.Open(siX, 1)
	assert.Assert(t, errors.Is(err, ErrShareNotFound))

	assert.Assert(t, store.Delete(siX, 0) == nil)
	assert.Assert(t, store.Delete(siX, 0) == nil) // idempotent

	_, err = os.Stat(filepath.Dir(store.Path(siX, 0)))
	assert.Assert(t, os.IsNotExist(err))
}

func TestDeleteKeepsSiblings(t *testing.T) {
	store := New(t.TempDir(), nil)

	writeShare(t, store, siX, 0, "a")
	writeShare(t, store, siX, 1, "b")

	assert.Assert(t, store.Delete(siX, 0) == nil)

	shnums, err := store.ListShares(siX)
	assert.Assert(t, err == nil)
	assert.Assert(t, len(shnums) == 1 && shnums[0] == 1)
}

func TestListPrefix(t *testing.T) {
	root := t.TempDir()
	store := New(root, nil)

	writeShare(t, store, siY, 10, "ten")
	writeShare(t, store, siY, 2, "two")
	writeShare(t, store, siX, 0, "zero")

	// junk that must be skipped
	assert.Assert(t, os.WriteFile(filepath.Join(root, "74", "README"), []byte("hi"), 0644) == nil)
	assert.Assert(t, os.WriteFile(filepath.Join(root, "74", siX.String(), "0.tmp"), []byte("partial"), 0644) == nil)
	assert.Assert(t, os.WriteFile(filepath.Join(root, "74", siX.String(), "007"), []byte("nope"), 0644) == nil)

	shares, err := store.ListPrefix("74")
	assert.Assert(t, err == nil)

	listing := []string{}
	for _, share := range shares {
		listing = append(listing, share.StorageIndex.String()+"/"+strconv.Itoa(int(share.ShareNumber))+":"+strconv.FormatInt(share.Size, 10))
	}

	assert.EqualString(t, strings.Join(listing, " "), "74aqeayeaudaocajbifqydiob4/0:4 74aqeayeaudaocajbifqydioca/2:3 74aqeayeaudaocajbifqydioca/10:3")

	empty, err := store.ListPrefix("aa")
	assert.Assert(t, err == nil)
	assert.Assert(t, len(empty) == 0)

	_, err = store.ListPrefix("AA")
	assert.EqualString(t, err.Error(), "invalid prefix: AA")
}

func writeShare(t *testing.T, store *Store, si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, content string) {
	t.Helper()

	_, err := store.Write(si, shnum, strings.NewReader(content))
	assert.Assert(t, err == nil)
}

func mustSI(serialized string) hajtypes.StorageIndex {
	si, err := hajtypes.StorageIndexFromString(serialized)
	if err != nil {
		panic(err)
	}
	return si
}
