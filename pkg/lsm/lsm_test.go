package lsm

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intSchema() Schema {
	return Schema{
		Columns: []ColumnDef{
			{Name: "id", Type: ColInt64},
			{Name: "name", Type: ColString},
			{Name: "score", Type: ColDouble},
		},
		PrimaryKeyIdx: 0,
	}
}

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MemTableSizeBytes = 1024
	opts.MaxImmutableMemTables = 8
	opts.EnableAutoCompaction = false
	opts.L1MaxBytes = 4096
	return opts
}

func openTestTree(t *testing.T, schema Schema) *Tree {
	t.Helper()
	tree, err := Open(schema, testOptions(t.TempDir()), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree
}

func row(id int64, name string, score float64) Row {
	return Row{IntValue(id), StringValue([]byte(name)), DoubleValue(score)}
}

func TestPutGetRoundTrip(t *testing.T) {
	tree := openTestTree(t, intSchema())

	require.NoError(t, tree.Put(row(1, "alice", 9.5)))
	require.NoError(t, tree.Put(row(2, "bob", 7.25)))

	got, found, err := tree.Get(IntValue(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", string(got[1].Str))

	_, found, err = tree.Get(IntValue(99))
	require.NoError(t, err)
	require.False(t, found)
}

func TestOverwriteKeepsLatestValue(t *testing.T) {
	tree := openTestTree(t, intSchema())

	require.NoError(t, tree.Put(row(1, "v1", 1)))
	require.NoError(t, tree.Put(row(1, "v2", 2)))

	got, found, err := tree.Get(IntValue(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(got[1].Str))
}

func TestDeleteShadowsValue(t *testing.T) {
	tree := openTestTree(t, intSchema())

	require.NoError(t, tree.Put(row(1, "alice", 9.5)))
	require.NoError(t, tree.Delete(IntValue(1)))

	_, found, err := tree.Get(IntValue(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteShadowsFlushedSSTableValue(t *testing.T) {
	tree := openTestTree(t, intSchema())

	require.NoError(t, tree.Put(row(1, "alice", 9.5)))
	require.NoError(t, tree.FlushToSST())
	require.NoError(t, tree.Delete(IntValue(1)))

	_, found, err := tree.Get(IntValue(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushToSSTPreservesData(t *testing.T) {
	tree := openTestTree(t, intSchema())

	for i := int64(0); i < 20; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("name-%d", i), float64(i))))
	}
	require.NoError(t, tree.FlushToSST())

	for i := int64(0); i < 20; i++ {
		got, found, err := tree.Get(IntValue(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, fmt.Sprintf("name-%d", i), string(got[1].Str))
	}
}

func TestScanColumnReflectsOverwritesAndDeletes(t *testing.T) {
	tree := openTestTree(t, intSchema())

	for i := int64(0); i < 10; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("v%d", i), float64(i))))
	}
	require.NoError(t, tree.FlushToSST())

	// Overwrite a key still in an SSTable, and delete another, both from the
	// live memtable, before scanning.
	require.NoError(t, tree.Put(row(3, "v3-updated", 300)))
	require.NoError(t, tree.Delete(IntValue(5)))

	batch, err := tree.ScanColumn("name")
	require.NoError(t, err)
	require.Equal(t, 9, batch.RowCount()) // 10 keys minus the one deleted

	ids, err := tree.ScanColumn("id")
	require.NoError(t, err)
	require.Equal(t, 9, ids.RowCount())

	seen := map[int64]string{}
	for i := 0; i < ids.RowCount(); i++ {
		seen[ids.Ints[i]] = string(batch.Strs[i])
	}
	require.Equal(t, "v3-updated", seen[3])
	_, stillThere := seen[5]
	require.False(t, stillThere)
}

func TestScanColumnsSharesOneMergePass(t *testing.T) {
	tree := openTestTree(t, intSchema())
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("v%d", i), float64(i)*1.5)))
	}

	out, err := tree.ScanColumns([]string{"id", "name", "score"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, 5, out["id"].RowCount())
	require.Equal(t, 5, out["name"].RowCount())
	require.Equal(t, 5, out["score"].RowCount())
}

func TestScanColumnUnknownColumn(t *testing.T) {
	tree := openTestTree(t, intSchema())
	_, err := tree.ScanColumn("nope")
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestBatchInsertVisibleAndDurable(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(intSchema(), testOptions(dir), nil, nil)
	require.NoError(t, err)

	rows := make([]Row, 0, 50)
	for i := int64(0); i < 50; i++ {
		rows = append(rows, row(i, fmt.Sprintf("batch-%d", i), float64(i)))
	}
	require.NoError(t, tree.BatchInsert(rows))
	require.NoError(t, tree.Close())

	reopened, err := Open(intSchema(), testOptions(dir), nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	for i := int64(0); i < 50; i++ {
		got, found, err := reopened.Get(IntValue(i))
		require.NoError(t, err)
		require.True(t, found, "key %d missing after reopen", i)
		require.Equal(t, fmt.Sprintf("batch-%d", i), string(got[1].Str))
	}
}

func TestRecoveryReplaysUnflushedWrites(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	tree, err := Open(intSchema(), opts, nil, nil)
	require.NoError(t, err)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("r%d", i), float64(i))))
	}
	// Close without ever flushing to SST - only the WAL is durable.
	require.NoError(t, tree.Close())

	reopened, err := Open(intSchema(), opts, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	for i := int64(0); i < 5; i++ {
		got, found, err := reopened.Get(IntValue(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("r%d", i), string(got[1].Str))
	}
}

func TestRecoveryReplaysDeleteTombstonesForIntKeys(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	tree, err := Open(intSchema(), opts, nil, nil)
	require.NoError(t, err)
	for i := int64(0); i < 20; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("r%d", i), float64(i))))
	}
	// Deletes span a range of key bit patterns, including keys whose
	// flipped big-endian byte representation starts with a zero byte, to
	// exercise every branch of WAL tombstone recovery for int64 keys.
	for i := int64(0); i < 20; i += 2 {
		require.NoError(t, tree.Delete(IntValue(i)))
	}
	require.NoError(t, tree.Close())

	reopened, err := Open(intSchema(), opts, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	for i := int64(0); i < 20; i++ {
		got, found, err := reopened.Get(IntValue(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, found, "key %d should have been deleted", i)
		} else {
			require.True(t, found, "key %d missing after reopen", i)
			require.Equal(t, fmt.Sprintf("r%d", i), string(got[1].Str))
		}
	}
}

func TestCompactionMergesLevelsAndPreservesLatestValue(t *testing.T) {
	tree := openTestTree(t, intSchema())

	// Several flush cycles targeting an overlapping key range, so L0 builds
	// up multiple files before a manual compaction run merges them down.
	for round := 0; round < 4; round++ {
		for i := int64(0); i < 10; i++ {
			require.NoError(t, tree.Put(row(i, fmt.Sprintf("round%d", round), float64(round))))
		}
		require.NoError(t, tree.FlushToSST())
	}

	tree.runOneCompaction()

	for i := int64(0); i < 10; i++ {
		got, found, err := tree.Get(IntValue(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "round3", string(got[1].Str))
	}
}

func TestClosedTreeRejectsWrites(t *testing.T) {
	tree := openTestTree(t, intSchema())
	require.NoError(t, tree.Close())

	err := tree.Put(row(1, "x", 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentGetsDuringCompaction(t *testing.T) {
	tree := openTestTree(t, intSchema())

	for round := 0; round < 6; round++ {
		for i := int64(0); i < 10; i++ {
			require.NoError(t, tree.Put(row(i, fmt.Sprintf("v%d-%d", round, i), float64(round))))
		}
		require.NoError(t, tree.FlushToSST())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tree.runOneCompaction()
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			_, found, err := tree.Get(IntValue(0))
			require.NoError(t, err)
			require.True(t, found)
			return
		case <-deadline:
			t.Fatal("compaction did not complete in time")
		default:
			_, _, err := tree.Get(IntValue(0))
			require.NoError(t, err)
		}
	}
}

func TestCompactionMergesDestinationOverlapFiles(t *testing.T) {
	tree := openTestTree(t, intSchema())

	// First wave: keys 0..9 reach L1 via an L0 compaction.
	for round := 0; round < 4; round++ {
		for i := int64(0); i < 10; i++ {
			require.NoError(t, tree.Put(row(i, fmt.Sprintf("old-%d", i), float64(i))))
		}
		require.NoError(t, tree.FlushToSST())
	}
	tree.runOneCompaction()

	// Second wave: only keys 0..4 are rewritten. The next L0 compaction
	// overlaps the L1 file from the first wave, which is merged and then
	// deleted - keys 5..9 exist nowhere else, so they must ride along into
	// the new output files.
	for round := 0; round < 4; round++ {
		for i := int64(0); i < 5; i++ {
			require.NoError(t, tree.Put(row(i, fmt.Sprintf("new-%d", i), float64(i))))
		}
		require.NoError(t, tree.FlushToSST())
	}
	tree.runOneCompaction()

	for i := int64(0); i < 10; i++ {
		got, found, err := tree.Get(IntValue(i))
		require.NoError(t, err)
		require.True(t, found, "key %d lost across overlap compaction", i)
		if i < 5 {
			require.Equal(t, fmt.Sprintf("new-%d", i), string(got[1].Str))
		} else {
			require.Equal(t, fmt.Sprintf("old-%d", i), string(got[1].Str))
		}
	}
}

func TestCompactionDropsTombstonesWithNoLowerOverlap(t *testing.T) {
	tree := openTestTree(t, intSchema())

	for i := int64(0); i < 10; i++ {
		require.NoError(t, tree.Put(row(i, fmt.Sprintf("v%d", i), float64(i))))
	}
	require.NoError(t, tree.FlushToSST())
	for i := int64(0); i < 10; i += 2 {
		require.NoError(t, tree.Delete(IntValue(i)))
	}
	// Three more flushes so L0 reaches its trigger; the resulting L0->L1
	// job has no file at any level below L1 to overlap, so its tombstones
	// have nothing left to shadow and are dropped.
	for round := 0; round < 3; round++ {
		require.NoError(t, tree.Put(row(100+int64(round), "filler", 0)))
		require.NoError(t, tree.FlushToSST())
	}
	tree.runOneCompaction()

	for i := int64(0); i < 10; i++ {
		_, found, err := tree.Get(IntValue(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, found, "deleted key %d resurfaced", i)
		} else {
			require.True(t, found, "live key %d lost", i)
		}
	}
}

func TestOrphanSSTableRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(intSchema(), testOptions(dir), nil, nil)
	require.NoError(t, err)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, tree.Put(row(i, "x", float64(i))))
	}
	require.NoError(t, tree.FlushToSST())
	require.NoError(t, tree.Close())

	// Simulate a crash between writing an sstable and committing its
	// manifest record: a file with a plausible name but no ADD entry.
	orphan := sstablePath(dir, 9999)
	require.NoError(t, os.WriteFile(orphan, []byte("partial build"), 0644))

	reopened, err := Open(intSchema(), testOptions(dir), nil, nil)
	require.NoError(t, err)
	defer reopened.Close()

	_, statErr := os.Stat(orphan)
	require.True(t, os.IsNotExist(statErr), "orphan sstable should be garbage-collected on open")

	got, found, err := reopened.Get(IntValue(3))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "x", string(got[1].Str))
}
