package database

/*
	Lattice Key-Value Store Access Module

	A thin facade over the pluggable storage backends. Values are raw
	bytes, tables map to whatever unit of grouping the backend offers
	(buckets on BoltDB, key prefixes on LevelDB).
*/

import (
	"imuslab.com/lattice/mod/database/dbbolt"
	"imuslab.com/lattice/mod/database/dbinc"
	"imuslab.com/lattice/mod/database/dbleveldb"
)

type Database struct {
	backend     dbinc.Backend
	backendType dbinc.BackendType
}

// Open a key-value store at the given path with the selected backend
func NewDatabase(dbfile string, backendType dbinc.BackendType) (*Database, error) {
	var backend dbinc.Backend
	var err error
	switch backendType {
	case dbinc.BackendLevelDB:
		backend, err = dbleveldb.NewDB(dbfile)
	default:
		backend, err = dbbolt.NewBoltDatabase(dbfile)
		backendType = dbinc.BackendBoltDB
	}
	if err != nil {
		return nil, err
	}

	return &Database{
		backend:     backend,
		backendType: backendType,
	}, nil
}

func (d *Database) BackendType() dbinc.BackendType {
	return d.backendType
}

func (d *Database) NewTable(tableName string) error {
	return d.backend.NewTable(tableName)
}

func (d *Database) TableExists(tableName string) bool {
	return d.backend.TableExists(tableName)
}

func (d *Database) DropTable(tableName string) error {
	return d.backend.DropTable(tableName)
}

// Write a raw value under the given table and key
func (d *Database) Write(tableName string, key string, value []byte) error {
	return d.backend.Write(tableName, key, value)
}

// Read the raw value stored under the given table and key. Returns
// dbinc.ErrKeyNotFound when the key does not exist.
func (d *Database) Read(tableName string, key string) ([]byte, error) {
	return d.backend.Read(tableName, key)
}

func (d *Database) KeyExists(tableName string, key string) bool {
	return d.backend.KeyExists(tableName, key)
}

func (d *Database) Delete(tableName string, key string) error {
	return d.backend.Delete(tableName, key)
}

// List the keys of a table, optionally restricted to a name prefix
func (d *Database) ListKeys(tableName string, prefix string) ([]string, error) {
	return d.backend.ListKeys(tableName, prefix)
}

func (d *Database) Close() {
	d.backend.Close()
}
