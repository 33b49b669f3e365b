package dbinc

import "errors"

/*
	dbinc is the interface for all key-value backend implementations
*/

type BackendType int

const (
	BackendBoltDB  BackendType = iota //Default backend
	BackendLevelDB                    //LevelDB backend

	BackendAuto = BackendBoltDB
)

// Returned by Read when the requested key does not exist
var ErrKeyNotFound = errors.New("key not found")

// Raised when a backend name in the config is not recognized
var ErrUnknownBackend = errors.New("unknown database backend")

type Backend interface {
	NewTable(tableName string) error
	TableExists(tableName string) bool
	DropTable(tableName string) error
	Write(tableName string, key string, value []byte) error
	Read(tableName string, key string) ([]byte, error)
	KeyExists(tableName string, key string) bool
	Delete(tableName string, key string) error
	ListKeys(tableName string, prefix string) ([]string, error)
	Close()
}

// Resolve a backend name from the config file. An empty name selects
// the default backend.
func ParseBackendType(name string) (BackendType, error) {
	switch name {
	case "":
		return BackendAuto, nil
	case "boltdb":
		return BackendBoltDB, nil
	case "leveldb":
		return BackendLevelDB, nil
	}
	return BackendAuto, ErrUnknownBackend
}

func (b BackendType) String() string {
	switch b {
	case BackendBoltDB:
		return "BoltDB"
	case BackendLevelDB:
		return "LevelDB"
	default:
		return "Unknown"
	}
}
