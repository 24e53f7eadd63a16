package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newLevels() [MaxLevels]*LevelMeta {
	var levels [MaxLevels]*LevelMeta
	for i := range levels {
		levels[i] = &LevelMeta{LevelNum: i}
	}
	return levels
}

func sst(id uint64, level int, min, max int64, size int64) *LeveledSSTableMeta {
	return &LeveledSSTableMeta{ID: id, Level: level, MinKey: IntValue(min), MaxKey: IntValue(max), FileSize: size}
}

func TestPickCompactionL0TriggerByFileCount(t *testing.T) {
	levels := newLevels()
	for i := uint64(0); i < L0CompactionTrigger; i++ {
		levels[0].AddSSTable(sst(i, 0, int64(i*10), int64(i*10+9), 100))
	}
	levelsSlice := levels[:]

	job := PickCompaction(levelsSlice, defaultL1MaxBytes)
	require.NotNil(t, job)
	require.Equal(t, 0, job.InputLevel)
	require.Equal(t, 1, job.OutputLevel)
	require.Len(t, job.InputSSTables, L0CompactionTrigger)
}

func TestPickCompactionNoJobBelowTrigger(t *testing.T) {
	levels := newLevels()
	levels[0].AddSSTable(sst(1, 0, 0, 9, 100))
	require.Nil(t, PickCompaction(levels[:], defaultL1MaxBytes))
}

func TestPickCompactionSkipsL0WhenAnyFileBeingCompacted(t *testing.T) {
	levels := newLevels()
	for i := uint64(0); i < L0CompactionTrigger; i++ {
		s := sst(i, 0, int64(i*10), int64(i*10+9), 100)
		if i == 1 {
			s.BeingCompacted = true
		}
		levels[0].AddSSTable(s)
	}
	require.Nil(t, PickCompaction(levels[:], defaultL1MaxBytes))
}

func TestPickCompactionDefersWhenDestinationOverlapBeingCompacted(t *testing.T) {
	levels := newLevels()
	for i := uint64(0); i < L0CompactionTrigger; i++ {
		levels[0].AddSSTable(sst(i, 0, int64(i*10), int64(i*10+9), 100))
	}
	// An L1 file overlapping L0's combined range is already mid-compaction
	// elsewhere; the picker must not pick L0 compaction against it again.
	overlapping := sst(100, 1, 0, 5, 100)
	overlapping.BeingCompacted = true
	levels[1].AddSSTable(overlapping)

	require.Nil(t, PickCompaction(levels[:], defaultL1MaxBytes))
}

func TestPickLevelCompactionTriggersOverByteBudget(t *testing.T) {
	levels := newLevels()
	levels[1].AddSSTable(sst(1, 1, 0, 9, 5000))
	levels[1].AddSSTable(sst(2, 1, 10, 19, 5000))

	job := PickCompaction(levels[:], 1000) // L1 budget = 1000, total is 10000
	require.NotNil(t, job)
	require.Equal(t, 1, job.InputLevel)
	require.Equal(t, 2, job.OutputLevel)
}

func TestPickLevelCompactionIsTrivialMoveWhenNoOverlap(t *testing.T) {
	levels := newLevels()
	levels[1].AddSSTable(sst(1, 1, 0, 9, 5000))
	levels[1].AddSSTable(sst(2, 1, 1000, 1009, 5000))
	// L2 has nothing overlapping either L1 file.

	job := PickCompaction(levels[:], 1000)
	require.NotNil(t, job)
	require.True(t, job.IsTrivialMove)
	require.Empty(t, job.OutputSSTables)
}

func TestAnyLowerLevelOverlapsDetectsOverlap(t *testing.T) {
	levels := newLevels()
	levels[2].AddSSTable(sst(1, 2, 5, 15, 100))

	job := &CompactionJob{
		OutputLevel:   1,
		InputSSTables: []*LeveledSSTableMeta{sst(2, 0, 0, 20, 100)},
	}
	require.True(t, anyLowerLevelOverlaps(levels[:], job))
}

func TestAnyLowerLevelOverlapsExcludesJobsOwnInputs(t *testing.T) {
	levels := newLevels()
	input := sst(1, 2, 0, 20, 100)
	levels[2].AddSSTable(input)

	job := &CompactionJob{
		OutputLevel:   1,
		InputSSTables: []*LeveledSSTableMeta{input},
	}
	// The only file below the output level is the job's own input, so
	// excluding it leaves nothing underneath to overlap.
	require.False(t, anyLowerLevelOverlaps(levels[:], job))
}

func TestAnyLowerLevelOverlapsFalseWhenDisjoint(t *testing.T) {
	levels := newLevels()
	levels[2].AddSSTable(sst(1, 2, 1000, 2000, 100))

	job := &CompactionJob{
		OutputLevel:   1,
		InputSSTables: []*LeveledSSTableMeta{sst(2, 0, 0, 20, 100)},
	}
	require.False(t, anyLowerLevelOverlaps(levels[:], job))
}

func TestMaxLevelSize(t *testing.T) {
	require.Equal(t, int64(-1), MaxLevelSize(0, 1000))
	require.Equal(t, int64(1000), MaxLevelSize(1, 1000))
	require.Equal(t, int64(10000), MaxLevelSize(2, 1000))
	require.Equal(t, int64(100000), MaxLevelSize(3, 1000))
}
