package dbleveldb

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"imuslab.com/lattice/mod/database/dbinc"
)

// Ensure the DB struct implements the Backend interface
var _ dbinc.Backend = (*DB)(nil)

// Keys are stored flat as "table/key", tables are emulated by prefix
type DB struct {
	db    *leveldb.DB
	table sync.Map
}

func NewDB(path string) (*DB, error) {
	//If the path looks like a file (e.g. /tmp/dbfile.db), convert the
	//filename to a directory name
	if filepath.Ext(path) != "" {
		path = strings.ReplaceAll(path, ".", "_")
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) NewTable(tableName string) error {
	d.table.Store(tableName, true)
	return nil
}

func (d *DB) TableExists(tableName string) bool {
	_, ok := d.table.Load(tableName)
	return ok
}

func (d *DB) DropTable(tableName string) error {
	d.table.Delete(tableName)
	iter := d.db.NewIterator(util.BytesPrefix([]byte(tableName+"/")), nil)
	defer iter.Release()

	for iter.Next() {
		if err := d.db.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (d *DB) Write(tableName string, key string, value []byte) error {
	return d.db.Put([]byte(tableName+"/"+key), value, nil)
}

func (d *DB) Read(tableName string, key string) ([]byte, error) {
	value, err := d.db.Get([]byte(tableName+"/"+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, dbinc.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (d *DB) KeyExists(tableName string, key string) bool {
	exists, err := d.db.Has([]byte(tableName+"/"+key), nil)
	return err == nil && exists
}

func (d *DB) Delete(tableName string, key string) error {
	return d.db.Delete([]byte(tableName+"/"+key), nil)
}

func (d *DB) ListKeys(tableName string, prefix string) ([]string, error) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte(tableName+"/"+prefix)), nil)
	defer iter.Release()

	keys := []string{}
	for iter.Next() {
		//The stored key carries the table name prefix, trim it off
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), tableName+"/"))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *DB) Close() {
	d.db.Close()
}
