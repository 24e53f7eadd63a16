package wal

// Appender appends one durably-committed record per call. Callers that can
// tolerate deferred durability should look for SyncDeferrer instead.
type Appender interface {
	// Append writes a record and returns the LSN assigned to it. A nil
	// error means the record is on disk.
	Append(opType OpType, data []byte) (uint64, error)
}

// SyncDeferrer is implemented by logs that can split an append from its
// fsync, so a batch of rows pays for one sync instead of one per row. Any
// AppendNoSync record is durable only after a subsequent Sync returns nil.
type SyncDeferrer interface {
	AppendNoSync(opType OpType, data []byte) (uint64, error)
	Sync() error
}

// Replayer iterates every committed record in LSN order, used to rebuild a
// memtable on open.
type Replayer interface {
	Replay(handler func(*Entry) error) error
}

// Manager covers the lifecycle operations the tree performs on a log: it
// truncates once a memtable is durably flushed, and closes on shutdown.
type Manager interface {
	Truncate() error
	Close() error
	GetCurrentLSN() uint64
}

// WriteAheadLog is the full contract a memtable's log must satisfy.
type WriteAheadLog interface {
	Appender
	Replayer
	Manager
}

var (
	_ WriteAheadLog = (*WAL)(nil)
	_ WriteAheadLog = (*BatchedWAL)(nil)
	_ WriteAheadLog = (*CompressedWAL)(nil)

	_ SyncDeferrer = (*WAL)(nil)
	_ SyncDeferrer = (*CompressedWAL)(nil)
)
