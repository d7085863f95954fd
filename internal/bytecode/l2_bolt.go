package bytecode

import (
	"strings"

	bolt "go.etcd.io/bbolt"
)

// boltL2 persists the bytecode cache's L2 tier in a bbolt database, the
// default backing per spec.md §4.3 ("<clarium>/__scripts"), following the
// teacher's db/bolt/bolt.go wrapper style of a thin typed layer over
// *bolt.DB.
type boltL2 struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltL2 opens (or creates) the __scripts bucket inside an already-open
// bbolt database for use as the bytecode cache's L2 tier.
func NewBoltL2(db *bolt.DB) (l2Store, error) {
	bucket := []byte("__scripts")
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltL2{db: db, bucket: bucket}, nil
}

func (s *boltL2) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *boltL2) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltL2) DeletePrefix(prefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltL2) DeleteName(prefix, name string) error {
	scan := prefix + "/"
	nameSegment := "/" + name + "/"
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(scan)); k != nil && strings.HasPrefix(string(k), scan); k, _ = c.Next() {
			// Keys are "<prefix>/<abi>/<name>/<hash>": match the name
			// segment after the ABI, whatever the ABI was.
			rest := string(k[len(scan):])
			if i := strings.IndexByte(rest, '/'); i >= 0 && strings.HasPrefix(rest[i:], nameSegment) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltL2) DeleteAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}
