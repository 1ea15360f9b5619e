package storage

import "fmt"

// Open constructs the driver named by kind, per the STORAGE environment key
// by name. path is interpreted per-driver: ignored for "memory",
// the bucket root for "file", the database file for "sqlite".
func Open(kind, path string) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (object-store drivers such as s3/azure/postgres are wired in out of tree)", kind)
	}
}
