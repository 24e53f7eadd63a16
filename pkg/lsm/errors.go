package lsm

import "errors"

var (
	// ErrKeyNotFound names a key with no live value, for callers that want
	// absence as an error; Tree.Get reports absence through its bool result
	// and does not return it.
	ErrKeyNotFound = errors.New("lsm: key not found")

	// ErrClosed is returned by any operation performed on a closed tree.
	ErrClosed = errors.New("lsm: storage closed")

	// ErrCorruptSSTable is returned when a footer, row-group blob, or column
	// chunk fails a structural sanity check on open or read.
	ErrCorruptSSTable = errors.New("lsm: corrupt sstable")

	// ErrSchemaMismatch is returned when a row does not match the column
	// schema the tree was opened with.
	ErrSchemaMismatch = errors.New("lsm: row does not match column schema")

	// ErrUnknownColumn is returned when a scan requests a column name that
	// does not exist in the schema.
	ErrUnknownColumn = errors.New("lsm: unknown column")
)
