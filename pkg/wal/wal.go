package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/columnforge/pkg/pools"
)

// WAL is a Write-Ahead Log for durability. Every Put/Delete applied to a
// memtable is appended here first and fsynced before the in-memory write is
// acknowledged, so a crash can always replay the tail to reconstruct the
// memtable exactly as it stood.
type WAL struct {
	file       *os.File
	writer     *bufio.Writer
	currentLSN uint64
	dataDir    string
	mu         sync.Mutex
}

const walFileName = "wal.log"

// NewWAL creates or reopens a Write-Ahead Log rooted at dataDir.
func NewWAL(dataDir string) (*WAL, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dataDir, walFileName)

	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:    file,
		writer:  bufio.NewWriter(file),
		dataDir: dataDir,
	}

	if err := w.recoverLSN(); err != nil {
		return nil, fmt.Errorf("failed to recover LSN: %w", err)
	}

	return w, nil
}

// Append writes a new entry and fsyncs before returning, so the caller can
// treat a successful return as durable.
func (w *WAL) Append(opType OpType, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentLSN == ^uint64(0) {
		return 0, fmt.Errorf("WAL LSN space exhausted - require WAL rotation")
	}

	w.currentLSN++
	lsn := w.currentLSN

	entry := Entry{
		LSN:       lsn,
		OpType:    opType,
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
		Timestamp: time.Now().Unix(),
	}

	if err := w.writeEntry(&entry); err != nil {
		w.currentLSN--
		return 0, err
	}

	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL: %w", err)
	}

	return lsn, nil
}

// AppendNoSync writes entry exactly like Append but skips the trailing
// fsync, letting a caller batch several appends behind one later Sync call
// instead of paying one fsync per row.
func (w *WAL) AppendNoSync(opType OpType, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentLSN == ^uint64(0) {
		return 0, fmt.Errorf("WAL LSN space exhausted - require WAL rotation")
	}

	w.currentLSN++
	lsn := w.currentLSN

	entry := Entry{
		LSN:       lsn,
		OpType:    opType,
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
		Timestamp: time.Now().Unix(),
	}

	if err := w.writeEntry(&entry); err != nil {
		w.currentLSN--
		return 0, err
	}

	return lsn, nil
}

// Sync flushes the buffered writer and fsyncs the underlying file, making
// every AppendNoSync call since the last Sync durable.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	return w.file.Sync()
}

// writeEntry frames a single entry and hands the buffered writer one
// contiguous slice. Format: LSN:8 | OpType:1 | DataLen:4 | Data:N |
// Checksum:4 | Timestamp:8, little-endian.
func (w *WAL) writeEntry(entry *Entry) error {
	bb := pools.NewBufferBuilder(25 + len(entry.Data))
	defer bb.Release()

	bb.WriteUint64LE(entry.LSN)
	bb.WriteByte(byte(entry.OpType))
	bb.WriteUint32LE(uint32(len(entry.Data)))
	bb.Write(entry.Data)
	bb.WriteUint32LE(entry.Checksum)
	bb.WriteUint64LE(uint64(entry.Timestamp))

	_, err := w.writer.Write(bb.Bytes())
	return err
}

// ReadAll reads all entries currently on disk. A corrupt or partial tail
// record (e.g. from a crash mid-append) silently truncates the result rather
// than returning an error - that tail was never acknowledged to a caller.
func (w *WAL) ReadAll() ([]*Entry, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(w.file)
	entries := make([]*Entry, 0)

	for {
		entry, err := w.readEntry(reader)
		if err != nil {
			break
		}
		if crc32.ChecksumIEEE(entry.Data) != entry.Checksum {
			break
		}
		entries = append(entries, entry)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return entries, nil
}

func (w *WAL) readEntry(reader *bufio.Reader) (*Entry, error) {
	entry := &Entry{}

	if err := binary.Read(reader, binary.LittleEndian, &entry.LSN); err != nil {
		return nil, err
	}
	opTypeByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	entry.OpType = OpType(opTypeByte)

	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return nil, err
	}
	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, entry.Data); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.Checksum); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, err
	}

	return entry, nil
}

func (w *WAL) recoverLSN() error {
	entries, err := w.ReadAll()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		w.currentLSN = entries[len(entries)-1].LSN
	}
	return nil
}

// Truncate discards all entries, used once a memtable carrying them has been
// durably flushed to an SSTable.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	walPath := filepath.Join(w.dataDir, walFileName)
	if err := os.Truncate(walPath, 0); err != nil {
		return err
	}

	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.currentLSN = 0

	return nil
}

// GetCurrentLSN returns the most recently assigned LSN.
func (w *WAL) GetCurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// Close flushes and fsyncs the WAL before closing the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay feeds every entry on disk, in LSN order, to handler. Used to
// reconstruct a memtable on open.
func (w *WAL) Replay(handler func(*Entry) error) error {
	entries, err := w.ReadAll()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := handler(entry); err != nil {
			return fmt.Errorf("failed to replay entry LSN=%d: %w", entry.LSN, err)
		}
	}
	return nil
}
