// "Bolt Light ORM", doesn't do much else than persist structs into Bolt..
package blorm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound       = errors.New("database: record not found")
	ErrBucketNotFound = errors.New("database: bucket not found")
	ErrStopIteration  = errors.New("blorm: stop iteration")
)

type SimpleRepository struct {
	bucketName  []byte
	alloc       func() any
	idExtractor func(record any) []byte
	indices     []Index
}

func NewSimpleRepo(
	bucketName string,
	allocator func() any,
	idExtractor func(any) []byte,
) *SimpleRepository {
	return &SimpleRepository{
		bucketName:  []byte(bucketName),
		alloc:       allocator,
		idExtractor: idExtractor,
		indices:     []Index{},
	}
}

func (r *SimpleRepository) Bootstrap(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(r.bucketName)
	return err
}

func (r *SimpleRepository) OpenByPrimaryKey(id []byte, record any, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	data := bucket.Get(id)
	if data == nil {
		return ErrNotFound
	}

	return msgpack.Codec.Unmarshal(data, record)
}

func (r *SimpleRepository) Exists(id []byte, tx *bbolt.Tx) (bool, error) {
	bucket, err := r.bucket(tx)
	if err != nil {
		return false, err
	}

	return bucket.Get(id) != nil, nil
}

// inserts or replaces the record, keeping all indices in sync with the new image
func (r *SimpleRepository) Update(record any, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	id := r.idExtractor(record)

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	oldIndices, err := r.indexRefsForStoredImage(id, tx)
	if err != nil {
		return err
	}

	if err := updateIndices(oldIndices, r.indexRefsForRecord(record), tx); err != nil {
		return err
	}

	return bucket.Put(id, data)
}

func (r *SimpleRepository) Delete(record any, tx *bbolt.Tx) error {
	return r.DeleteByPrimaryKey(r.idExtractor(record), tx)
}

func (r *SimpleRepository) DeleteByPrimaryKey(id []byte, tx *bbolt.Tx) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	if bucket.Get(id) == nil { // bucket.Delete() does not return error for non-existing keys
		return ErrNotFound
	}

	// index refs from the stored image, because caller's copy might have been mutated
	oldIndices, err := r.indexRefsForStoredImage(id, tx)
	if err != nil {
		return err
	}

	if err := updateIndices(oldIndices, nil, tx); err != nil {
		return err
	}

	return bucket.Delete(id)
}

// return blorm.ErrStopIteration from "fn" to stop iteration. that error is not returned
// to the API caller
func (r *SimpleRepository) Each(fn func(record any) error, tx *bbolt.Tx) error {
	return r.EachFrom(StartFromFirst, fn, tx)
}

// rules of Each() also apply here
func (r *SimpleRepository) EachFrom(from []byte, fn func(record any) error, tx *bbolt.Tx) error {
	return r.eachWhile(from, func([]byte) bool { return true }, fn, tx)
}

// iterates records whose primary key starts with prefix, in key order
func (r *SimpleRepository) EachWithPrefix(prefix []byte, fn func(record any) error, tx *bbolt.Tx) error {
	return r.eachWhile(prefix, func(key []byte) bool {
		return bytes.HasPrefix(key, prefix)
	}, fn, tx)
}

func (r *SimpleRepository) eachWhile(
	from []byte,
	continueAt func(key []byte) bool,
	fn func(record any) error,
	tx *bbolt.Tx,
) error {
	bucket, err := r.bucket(tx)
	if err != nil {
		return err
	}

	all := bucket.Cursor()

	var key, value []byte
	if len(from) == 0 {
		key, value = all.First()
	} else {
		key, value = all.Seek(from)
	}

	for ; key != nil && continueAt(key); key, value = all.Next() {
		record := r.alloc()

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return err
		}

		if err := fn(record); err != nil {
			if err == ErrStopIteration {
				return nil // not an error, so don't give one out
			}

			return err
		}
	}

	return nil
}

func (r *SimpleRepository) bucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, r.bucketName)
	}

	return bucket, nil
}

func (r *SimpleRepository) indexRefsForStoredImage(id []byte, tx *bbolt.Tx) ([]qualifiedIndexRef, error) {
	oldImage := r.alloc()

	if err := r.OpenByPrimaryKey(id, oldImage, tx); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}

		return nil, err
	}

	return r.indexRefsForRecord(oldImage), nil
}

func (r *SimpleRepository) indexRefsForRecord(record any) []qualifiedIndexRef {
	refs := []qualifiedIndexRef{}

	for _, repoIndex := range r.indices {
		refs = append(refs, repoIndex.extractIndexRefs(record)...)
	}

	return refs
}

func updateIndices(oldIndices []qualifiedIndexRef, newIndices []qualifiedIndexRef, tx *bbolt.Tx) error {
	for _, old := range oldIndices {
		if !indexRefExistsIn(old, newIndices) {
			if err := old.Drop(tx); err != nil {
				return err
			}
		}
	}

	for _, nu := range newIndices {
		if !indexRefExistsIn(nu, oldIndices) {
			if err := nu.Write(tx); err != nil {
				return err
			}
		}
	}

	return nil
}
