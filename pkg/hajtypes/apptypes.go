// Identifiers shared by the storage server, the introducer and the placement planner
package hajtypes

import (
	"crypto/rand"
	"encoding/base32"
	"sort"
	"strings"
)

const (
	StorageIndexLength = 16

	// NULL share number of a lease that covers every share of a storage index
	WholeObject ShareNumber = -1
)

// lowercase RFC 4648 alphabet without padding
var Base32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// opaque identifier of a stored object, derived upstream from the object's capability
type StorageIndex [StorageIndexLength]byte

func StorageIndexFromString(serialized string) (StorageIndex, error) {
	si := StorageIndex{}

	if len(serialized) != Base32.EncodedLen(StorageIndexLength) {
		return si, ErrBadStorageIndex
	}

	raw, err := Base32.DecodeString(serialized)
	if err != nil || len(raw) != StorageIndexLength {
		return si, ErrBadStorageIndex
	}

	copy(si[:], raw)

	// non-zero trailing bits would give one object several spellings
	if si.String() != serialized {
		return StorageIndex{}, ErrBadStorageIndex
	}

	return si, nil
}

func StorageIndexFromBytes(raw []byte) (StorageIndex, error) {
	si := StorageIndex{}
	if len(raw) != StorageIndexLength {
		return si, ErrBadStorageIndex
	}

	copy(si[:], raw)

	return si, nil
}

// only meant for tests and debugging tools. real storage indices are derived from caps
func RandomStorageIndex() StorageIndex {
	si := StorageIndex{}
	if _, err := rand.Read(si[:]); err != nil {
		panic(err)
	}

	return si
}

func (s StorageIndex) String() string {
	return Base32.EncodeToString(s[:])
}

// first two base32 characters. used as a directory shard both on disk and in the lease DB
func (s StorageIndex) Prefix() string {
	return s.String()[0:2]
}

func (s StorageIndex) IsZero() bool {
	return s == StorageIndex{}
}

// one of N erasure-coded fragments of an object. usually 0..N-1
type ShareNumber int

func (s ShareNumber) IsWholeObject() bool {
	return s == WholeObject
}

// stable identifier of a storage server. keyed servers: "v0-" + base32(hash(pubkey)),
// legacy servers: "tubid-" + tub ID from their FURL
type ServerID string

func SortServerIDs(ids []ServerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// all 1024 two-character prefixes, sorted the same way the lease DB sorts its keys
func AllPrefixes() []string {
	alphabet := []byte("abcdefghijklmnopqrstuvwxyz234567")

	prefixes := make([]string, 0, len(alphabet)*len(alphabet))
	for _, first := range alphabet {
		for _, second := range alphabet {
			prefixes = append(prefixes, string([]byte{first, second}))
		}
	}

	sort.Strings(prefixes)

	return prefixes
}

func IsValidPrefix(prefix string) bool {
	if len(prefix) != 2 {
		return false
	}

	const alphabet = "abcdefghijklmnopqrstuvwxyz234567"

	return strings.IndexByte(alphabet, prefix[0]) != -1 && strings.IndexByte(alphabet, prefix[1]) != -1
}
