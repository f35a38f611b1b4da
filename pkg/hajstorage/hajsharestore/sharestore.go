// On-disk share payloads: shares/<prefix>/<storage index>/<share number>
package hajsharestore

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/hajautus/pkg/hajtypes"
)

var (
	ErrShareExists   = errors.New("share already exists on disk")
	ErrShareNotFound = errors.New("share not found on disk")
)

// share as found when walking the tree
type OnDiskShare struct {
	StorageIndex hajtypes.StorageIndex
	ShareNumber  hajtypes.ShareNumber
	Size         int64
}

type Store struct {
	root string
	logl *logex.Leveled
}

func New(root string, logger *log.Logger) *Store {
	return &Store{
		root: root,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

// shares are immutable: writing an existing share is an error. the write is atomic, so a
// share is never visible half-written
func (s *Store) Write(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, content io.Reader) (int64, error) {
	if shnum < 0 {
		return 0, fmt.Errorf("%w: %d", hajtypes.ErrBadShareNumber, shnum)
	}

	filename := s.Path(si, shnum)

	// does not error if already exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return 0, err
	}

	exists, err := fileexists.Exists(filename)
	if err != nil {
		return 0, err
	}

	if exists {
		return 0, fmt.Errorf("%w: %s/%d", ErrShareExists, si.String(), shnum)
	}

	written := int64(0)

	if err := atomicfilewrite.Write(filename, func(sink io.Writer) error {
		n, err := io.Copy(sink, content)
		written = n
		return err
	}); err != nil {
		return written, err
	}

	return written, nil
}

// caller closes
func (s *Store) Open(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) (*os.File, error) {
	file, err := os.Open(s.Path(si, shnum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%d", ErrShareNotFound, si.String(), shnum)
		}
		return nil, err
	}

	return file, nil
}

func (s *Store) Size(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) (int64, error) {
	info, err := os.Stat(s.Path(si, shnum))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s/%d", ErrShareNotFound, si.String(), shnum)
		}
		return 0, err
	}

	return info.Size(), nil
}

// deleting a missing share is not an error. the storage index directory goes away with
// its last share
func (s *Store) Delete(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) error {
	if err := os.Remove(s.Path(si, shnum)); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Remove(s.storageIndexDir(si)); err != nil && !os.IsNotExist(err) && !isDirNotEmpty(err) {
		return err
	}

	return nil
}

// share numbers of si present on disk, ascending
func (s *Store) ListShares(si hajtypes.StorageIndex) ([]hajtypes.ShareNumber, error) {
	shares, err := s.sharesInDir(si)
	if err != nil {
		return nil, err
	}

	shnums := []hajtypes.ShareNumber{}
	for _, share := range shares {
		shnums = append(shnums, share.ShareNumber)
	}

	return shnums, nil
}

// every share under prefix, ordered by (si, shnum). entries that aren't shares (temp
// files, stray junk) are skipped
func (s *Store) ListPrefix(prefix string) ([]OnDiskShare, error) {
	if !hajtypes.IsValidPrefix(prefix) {
		return nil, fmt.Errorf("invalid prefix: %s", prefix)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return []OnDiskShare{}, nil
		}
		return nil, err
	}

	shares := []OnDiskShare{}

	for _, entry := range entries { // ReadDir() sorts by name
		si, err := hajtypes.StorageIndexFromString(entry.Name())
		if err != nil || !entry.IsDir() || si.Prefix() != prefix {
			s.logl.Debug.Printf("skipping unexpected entry %s/%s", prefix, entry.Name())
			continue
		}

		siShares, err := s.sharesInDir(si)
		if err != nil {
			return nil, err
		}

		shares = append(shares, siShares...)
	}

	return shares, nil
}

func (s *Store) Path(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) string {
	return filepath.Join(s.storageIndexDir(si), strconv.Itoa(int(shnum)))
}

func (s *Store) storageIndexDir(si hajtypes.StorageIndex) string {
	return filepath.Join(s.root, si.Prefix(), si.String())
}

func (s *Store) sharesInDir(si hajtypes.StorageIndex) ([]OnDiskShare, error) {
	entries, err := os.ReadDir(s.storageIndexDir(si))
	if err != nil {
		if os.IsNotExist(err) {
			return []OnDiskShare{}, nil
		}
		return nil, err
	}

	shares := []OnDiskShare{}

	for _, entry := range entries {
		shnum, err := parseShareNumber(entry.Name())
		if err != nil || !entry.Type().IsRegular() {
			continue // probably atomicfilewrite's temp file
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) { // deleted while we looked
				continue
			}
			return nil, err
		}

		shares = append(shares, OnDiskShare{
			StorageIndex: si,
			ShareNumber:  shnum,
			Size:         info.Size(),
		})
	}

	// names sort as strings ("10" < "2")
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].ShareNumber < shares[j].ShareNumber
	})

	return shares, nil
}

// only canonical decimal: "007" would be a different file for the same share
func parseShareNumber(name string) (hajtypes.ShareNumber, error) {
	num, err := strconv.Atoi(name)
	if err != nil || num < 0 || strconv.Itoa(num) != name {
		return 0, fmt.Errorf("%w: %s", hajtypes.ErrBadShareNumber, name)
	}

	return hajtypes.ShareNumber(num), nil
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
