package blorm

import (
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"go.etcd.io/bbolt"
)

type testFruit struct {
	ID     string
	Color  string
	Weight uint64
}

var (
	fruitRepo = NewSimpleRepo("fruits", func() any {
		return &testFruit{}
	}, func(record any) []byte {
		return []byte(record.(*testFruit).ID)
	})

	fruitsByColor = NewValueIndex("by_color", fruitRepo, func(record any, index func([]byte)) {
		index([]byte(record.(*testFruit).Color))
	})

	fruitsByWeight = NewRangeIndex("by_weight", fruitRepo, func(record any, index func([]byte)) {
		fruit := record.(*testFruit)

		sortKey := make([]byte, 8)
		binary.BigEndian.PutUint64(sortKey, fruit.Weight)

		index(append(sortKey, []byte(fruit.ID)...))
	})
)

func TestRepository(t *testing.T) {
	db := openTestDB(t)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		for _, fruit := range []testFruit{
			{ID: "apple", Color: "red", Weight: 150},
			{ID: "banana", Color: "yellow", Weight: 120},
			{ID: "cherry", Color: "red", Weight: 10},
			{ID: "lemon", Color: "yellow", Weight: 90},
		} {
			fruit := fruit // pin
			if err := fruitRepo.Update(&fruit, tx); err != nil {
				return err
			}
		}

		return nil
	}) == nil)

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		banana := &testFruit{}
		assert.Assert(t, fruitRepo.OpenByPrimaryKey([]byte("banana"), banana, tx) == nil)
		assert.EqualString(t, banana.Color, "yellow")

		assert.Assert(t, fruitRepo.OpenByPrimaryKey([]byte("durian"), &testFruit{}, tx) == ErrNotFound)

		assert.EqualString(t, collectByValue(t, "red", tx), "apple,cherry")
		assert.EqualString(t, collectByValue(t, "yellow", tx), "banana,lemon")
		assert.EqualString(t, collectByWeight(t, tx), "cherry,lemon,banana,apple")

		return nil
	}) == nil)

	// re-indexing after mutation
	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		apple := &testFruit{}
		if err := fruitRepo.OpenByPrimaryKey([]byte("apple"), apple, tx); err != nil {
			return err
		}

		apple.Color = "green"
		apple.Weight = 5

		if err := fruitRepo.Update(apple, tx); err != nil {
			return err
		}

		lemon := &testFruit{}
		if err := fruitRepo.OpenByPrimaryKey([]byte("lemon"), lemon, tx); err != nil {
			return err
		}

		lemon.Color = "this mutation must not confuse index removal"

		return fruitRepo.Delete(lemon, tx)
	}) == nil)

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		assert.EqualString(t, collectByValue(t, "red", tx), "cherry")
		assert.EqualString(t, collectByValue(t, "green", tx), "apple")
		assert.EqualString(t, collectByValue(t, "yellow", tx), "banana")
		assert.EqualString(t, collectByWeight(t, tx), "apple,cherry,banana")

		exists, err := fruitRepo.Exists([]byte("lemon"), tx)
		assert.Assert(t, err == nil)
		assert.Assert(t, !exists)

		return nil
	}) == nil)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		return fruitRepo.DeleteByPrimaryKey([]byte("lemon"), tx)
	}) == ErrNotFound)
}

func TestEachWithPrefixAndStopIteration(t *testing.T) {
	db := openTestDB(t)

	assert.Assert(t, db.Update(func(tx *bbolt.Tx) error {
		for _, id := range []string{"aa1", "aa2", "ab1", "b"} {
			if err := fruitRepo.Update(&testFruit{ID: id, Color: "x"}, tx); err != nil {
				return err
			}
		}

		return nil
	}) == nil)

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		ids := []string{}
		assert.Assert(t, fruitRepo.EachWithPrefix([]byte("aa"), func(record any) error {
			ids = append(ids, record.(*testFruit).ID)
			return nil
		}, tx) == nil)
		assert.EqualString(t, strings.Join(ids, ","), "aa1,aa2")

		ids = []string{}
		assert.Assert(t, fruitRepo.EachFrom([]byte("ab"), func(record any) error {
			ids = append(ids, record.(*testFruit).ID)
			return ErrStopIteration
		}, tx) == nil)
		assert.EqualString(t, strings.Join(ids, ","), "ab1")

		return nil
	}) == nil)
}

func TestMissingBucket(t *testing.T) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0700, nil)
	assert.Assert(t, err == nil)
	defer db.Close()

	assert.Assert(t, db.View(func(tx *bbolt.Tx) error {
		_, err := fruitRepo.Exists([]byte("apple"), tx)
		assert.EqualString(t, err.Error(), "database: bucket not found: fruits")
		return nil
	}) == nil)
}

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0700, nil)
	assert.Assert(t, err == nil)

	t.Cleanup(func() {
		db.Close()
	})

	assert.Assert(t, db.Update(fruitRepo.Bootstrap) == nil)

	return db
}

func collectByValue(t *testing.T, color string, tx *bbolt.Tx) string {
	ids := []string{}
	assert.Assert(t, fruitsByColor.Query([]byte(color), StartFromFirst, func(id []byte) error {
		ids = append(ids, string(id))
		return nil
	}, tx) == nil)

	return strings.Join(ids, ",")
}

func collectByWeight(t *testing.T, tx *bbolt.Tx) string {
	ids := []string{}
	assert.Assert(t, fruitsByWeight.Query(StartFromFirst, func(_ []byte, id []byte) error {
		ids = append(ids, string(id))
		return nil
	}, tx) == nil)

	return strings.Join(ids, ",")
}
