package storage

import (
	"strings"

	bolt "go.etcd.io/bbolt"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
)

// kvBucket is the single bbolt bucket every KV store is nested under,
// keyed first by store name so distinct `db.store.<name>.<key>` stores
// never collide in one flat bbolt file.
const kvBucket = "clarium_kv"

// ParseKVAddress recognizes spec.md §4.1's `<db>.store.<store>.<key>`
// address form. The literal segment "store" at position two is the
// discriminator; everything after the store name - including any
// embedded dots - is the key, per spec.md §3 ("embedded dots in keys are
// part of the key").
func ParseKVAddress(path string) (db, store, key string, ok bool) {
	parts := strings.SplitN(path, ".", 4)
	if len(parts) != 4 || parts[1] != "store" {
		return "", "", "", false
	}
	return parts[0], parts[2], parts[3], true
}

// readKV loads the blob at store/key and presents it as a one-row, two
// column dataframe ({key, value}); value is read back as raw bytes since
// the KV tier (spec.md §4.1) makes no type claim about what a caller
// stored there.
func (f *Facade) readKV(store, key string) (*dataframe.Dataframe, error) {
	var value []byte
	err := f.kv.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(kvBucket))
		if root == nil {
			return clariumerr.NotFound("kv store %q not found", store)
		}
		b := root.Bucket([]byte(store))
		if b == nil {
			return clariumerr.NotFound("kv store %q not found", store)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return clariumerr.NotFound("kv key %q not found in store %q", key, store)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	df := dataframe.New([]string{"key", "value"}, []dataframe.Kind{dataframe.KindString, dataframe.KindBytes})
	df.Columns[0].Values = []dataframe.Value{dataframe.Str(key)}
	df.Columns[1].Values = []dataframe.Value{dataframe.Bytes(value)}
	return df, nil
}

// PutKV writes value under store/key, creating the store's nested bucket
// on first use.
func (f *Facade) PutKV(store, key string, value []byte) error {
	return f.kv.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		if err != nil {
			return clariumerr.IO(err, "creating kv root bucket")
		}
		b, err := root.CreateBucketIfNotExists([]byte(store))
		if err != nil {
			return clariumerr.IO(err, "creating kv store bucket %q", store)
		}
		return b.Put([]byte(key), value)
	})
}

// DeleteKV removes key from store.
func (f *Facade) DeleteKV(store, key string) error {
	return f.kv.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(kvBucket))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(store))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
