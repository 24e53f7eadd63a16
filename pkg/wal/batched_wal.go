package wal

import (
	"hash/crc32"
	"sync"
	"time"
)

// BatchedWAL groups concurrent appends into one fsync. Each Append parks
// until the batch it joined is on disk, so the durability contract is the
// same as WAL's - only the fsyncs are amortized across whoever showed up
// in the same window. Useful when many writer goroutines hit one log;
// a single writer gains nothing over WAL.
type BatchedWAL struct {
	wal           *WAL
	queue         []*queuedAppend
	batchSize     int
	flushInterval time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	kickCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// queuedAppend is one append waiting for its batch's fsync.
type queuedAppend struct {
	opType OpType
	data   []byte
	doneCh chan error
}

// NewBatchedWAL opens a log at dataDir that flushes whenever batchSize
// appends have queued or flushInterval has elapsed, whichever comes first.
func NewBatchedWAL(dataDir string, batchSize int, flushInterval time.Duration) (*BatchedWAL, error) {
	w, err := NewWAL(dataDir)
	if err != nil {
		return nil, err
	}

	bw := &BatchedWAL{
		wal:           w,
		queue:         make([]*queuedAppend, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		kickCh:        make(chan struct{}, 1),
	}

	bw.wg.Add(1)
	go bw.flushLoop()

	return bw, nil
}

// Append queues the record and blocks until the batch containing it is
// durable. The returned LSN is read after commit, so it is always at or
// past the record's own.
func (bw *BatchedWAL) Append(opType OpType, data []byte) (uint64, error) {
	qa := &queuedAppend{
		opType: opType,
		data:   data,
		doneCh: make(chan error, 1),
	}

	bw.mu.Lock()
	bw.queue = append(bw.queue, qa)
	full := len(bw.queue) >= bw.batchSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kickCh <- struct{}{}:
		default:
		}
	}

	if err := <-qa.doneCh; err != nil {
		return 0, err
	}
	return bw.wal.GetCurrentLSN(), nil
}

func (bw *BatchedWAL) flushLoop() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.stopCh:
			bw.flush()
			return
		case <-ticker.C:
			bw.flush()
		case <-bw.kickCh:
			bw.flush()
		}
	}
}

// flush takes ownership of the current queue, commits it with a single
// fsync, and wakes every parked appender with the outcome.
func (bw *BatchedWAL) flush() {
	bw.mu.Lock()
	if len(bw.queue) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.queue
	bw.queue = make([]*queuedAppend, 0, bw.batchSize)
	bw.mu.Unlock()

	err := bw.wal.appendBatch(batch)

	for _, qa := range batch {
		qa.doneCh <- err
		close(qa.doneCh)
	}
}

// appendBatch writes a full batch of records with one trailing fsync. On a
// write error the LSNs handed to records already framed are rolled back,
// since none of the batch was acknowledged.
func (w *WAL) appendBatch(batch []*queuedAppend) error {
	if len(batch) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for _, qa := range batch {
		w.currentLSN++
		entry := Entry{
			LSN:       w.currentLSN,
			OpType:    qa.opType,
			Data:      qa.data,
			Checksum:  crc32.ChecksumIEEE(qa.data),
			Timestamp: time.Now().Unix(),
		}
		if err := w.writeEntry(&entry); err != nil {
			w.currentLSN -= uint64(written + 1)
			return err
		}
		written++
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay delegates to the underlying log.
func (bw *BatchedWAL) Replay(handler func(*Entry) error) error {
	return bw.wal.Replay(handler)
}

// Truncate drains the queue before truncating so no parked appender is
// left waiting on records that will never land.
func (bw *BatchedWAL) Truncate() error {
	bw.flush()
	return bw.wal.Truncate()
}

// Close stops the flush loop, commits whatever is still queued, and closes
// the underlying log. Safe to call more than once.
func (bw *BatchedWAL) Close() error {
	var closeErr error
	bw.closeOnce.Do(func() {
		close(bw.stopCh)
		bw.wg.Wait()
		closeErr = bw.wal.Close()
	})
	return closeErr
}

// GetCurrentLSN returns the most recently committed LSN.
func (bw *BatchedWAL) GetCurrentLSN() uint64 {
	return bw.wal.GetCurrentLSN()
}
