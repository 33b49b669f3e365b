package dbbolt

import (
	"strings"

	"github.com/boltdb/bolt"

	"imuslab.com/lattice/mod/database/dbinc"
)

// Ensure the Database struct implements the Backend interface
var _ dbinc.Backend = (*Database)(nil)

type Database struct {
	db *bolt.DB
}

func NewBoltDatabase(dbfile string) (*Database, error) {
	db, err := bolt.Open(dbfile, 0600, nil)
	if err != nil {
		return nil, err
	}

	return &Database{
		db: db,
	}, nil
}

// Create a new table
func (d *Database) NewTable(tableName string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tableName))
		return err
	})
}

// Check is table exists
func (d *Database) TableExists(tableName string) bool {
	return d.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(tableName)) == nil {
			return dbinc.ErrKeyNotFound
		}
		return nil
	}) == nil
}

// Drop the given table
func (d *Database) DropTable(tableName string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(tableName))
	})
}

// Write a raw value to table
func (d *Database) Write(tableName string, key string, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tableName))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (d *Database) Read(tableName string, key string) ([]byte, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return dbinc.ErrKeyNotFound
		}
		stored := b.Get([]byte(key))
		if stored == nil {
			return dbinc.ErrKeyNotFound
		}
		//The slice is only valid inside the transaction, copy it out
		value = append([]byte{}, stored...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (d *Database) KeyExists(tableName string, key string) bool {
	exists := false
	d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return nil
		}
		exists = b.Get([]byte(key)) != nil
		return nil
	})
	return exists
}

func (d *Database) Delete(tableName string, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// List the keys of a table in byte order, optionally filtered by a
// name prefix
func (d *Database) ListKeys(tableName string, prefix string) ([]string, error) {
	keys := []string{}
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			name := string(k)
			if prefix == "" || strings.HasPrefix(name, prefix) {
				keys = append(keys, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *Database) Close() {
	d.db.Close()
}
