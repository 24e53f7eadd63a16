package lsm

const (
	// MaxLevels bounds the level array; L0 through L(MaxLevels-1).
	MaxLevels = 7

	// L0CompactionTrigger is how many L0 files accumulate before L0 is
	// compacted into L1, regardless of their combined size - L0 is
	// controlled by file count, not bytes, because its files can overlap
	// arbitrarily and a point lookup must check every one of them.
	L0CompactionTrigger = 4

	// defaultL1MaxBytes is the absolute size budget for L1 used when
	// Options.L1MaxBytes is left at its zero value; each level below it
	// gets levelSizeMultiplier times the budget of the level above.
	//
	// Budgets are absolute per-level byte ceilings rather than ratios
	// against the next level's current size: a ratio makes a level's
	// trigger point depend on how full its neighbor happens to be, which
	// can stall compaction entirely while a level is empty.
	defaultL1MaxBytes   = 512 * 1024 * 1024
	levelSizeMultiplier = 10
)

// MaxLevelSize returns the byte budget for level given l1MaxBytes as L1's
// budget, or -1 if the level is governed by file count (L0) rather than
// size.
func MaxLevelSize(level int, l1MaxBytes int64) int64 {
	if level == 0 {
		return -1
	}
	budget := l1MaxBytes
	for i := 1; i < level; i++ {
		budget *= levelSizeMultiplier
	}
	return budget
}

// PickCompaction chooses the next compaction job, if any level needs one.
// L0 is always checked first since it bounds point-lookup latency directly;
// only when L0 is under its trigger and not already compacting does the
// picker fall through to per-level size checks. l1MaxBytes lets tests scale
// the whole level hierarchy down without waiting to write production-sized
// files.
func PickCompaction(levels []*LevelMeta, l1MaxBytes int64) *CompactionJob {
	if job := pickL0Compaction(levels); job != nil {
		return job
	}
	for level := 1; level <= len(levels)-2 && level < MaxLevels-1; level++ {
		if job := pickLevelCompaction(levels, level, l1MaxBytes); job != nil {
			return job
		}
	}
	return nil
}

func pickL0Compaction(levels []*LevelMeta) *CompactionJob {
	l0 := levels[0]
	if len(l0.SSTables) < L0CompactionTrigger {
		return nil
	}
	for _, s := range l0.SSTables {
		if s.BeingCompacted {
			return nil
		}
	}

	input := append([]*LeveledSSTableMeta(nil), l0.SSTables...)
	minKey, maxKey := input[0].MinKey, input[0].MaxKey
	for _, s := range input[1:] {
		if CompareKeys(s.MinKey, minKey) < 0 {
			minKey = s.MinKey
		}
		if CompareKeys(s.MaxKey, maxKey) > 0 {
			maxKey = s.MaxKey
		}
	}

	var output []*LeveledSSTableMeta
	if len(levels) > 1 {
		for _, s := range levels[1].SSTables {
			if !KeyRangesOverlap(s.MinKey, s.MaxKey, minKey, maxKey) {
				continue
			}
			if s.BeingCompacted {
				// This L1 file is already an input to another job; picking
				// it again here would race two jobs over the same output
				// file, so wait for the in-flight one to finish instead.
				return nil
			}
			output = append(output, s)
		}
	}

	return &CompactionJob{
		InputLevel: 0, OutputLevel: 1,
		InputSSTables: input, OutputSSTables: output,
	}
}

// anyLowerLevelOverlaps reports whether any SSTable at a level strictly
// below job.OutputLevel - excluding the job's own files, which this
// compaction is in the middle of removing - has a key range overlapping the
// job's combined key range (inputs plus the destination files being merged
// with them). Used to decide whether a tombstone produced by this job might
// still need to shadow a live value sitting underneath the output level.
func anyLowerLevelOverlaps(levels []*LevelMeta, job *CompactionJob) bool {
	if len(job.InputSSTables) == 0 {
		return false
	}
	merged := make([]*LeveledSSTableMeta, 0, len(job.InputSSTables)+len(job.OutputSSTables))
	merged = append(merged, job.InputSSTables...)
	merged = append(merged, job.OutputSSTables...)

	minKey, maxKey := merged[0].MinKey, merged[0].MaxKey
	for _, s := range merged[1:] {
		if CompareKeys(s.MinKey, minKey) < 0 {
			minKey = s.MinKey
		}
		if CompareKeys(s.MaxKey, maxKey) > 0 {
			maxKey = s.MaxKey
		}
	}

	inputIDs := make(map[uint64]bool, len(merged))
	for _, s := range merged {
		inputIDs[s.ID] = true
	}

	for level := job.OutputLevel + 1; level < len(levels); level++ {
		for _, s := range levels[level].SSTables {
			if inputIDs[s.ID] {
				continue
			}
			if KeyRangesOverlap(s.MinKey, s.MaxKey, minKey, maxKey) {
				return true
			}
		}
	}
	return false
}

func pickLevelCompaction(levels []*LevelMeta, level int, l1MaxBytes int64) *CompactionJob {
	lvl := levels[level]
	if lvl.TotalSize <= MaxLevelSize(level, l1MaxBytes) {
		return nil
	}

	var chosen *LeveledSSTableMeta
	for _, s := range lvl.SSTables {
		if s.BeingCompacted {
			continue
		}
		if chosen == nil || CompareKeys(s.MinKey, chosen.MinKey) < 0 {
			chosen = s
		}
	}
	if chosen == nil {
		return nil
	}

	var output []*LeveledSSTableMeta
	if level+1 < len(levels) {
		for _, s := range levels[level+1].SSTables {
			if !KeyRangesOverlap(s.MinKey, s.MaxKey, chosen.MinKey, chosen.MaxKey) {
				continue
			}
			if s.BeingCompacted {
				return nil
			}
			output = append(output, s)
		}
	}

	return &CompactionJob{
		InputLevel: level, OutputLevel: level + 1,
		InputSSTables:  []*LeveledSSTableMeta{chosen},
		OutputSSTables: output,
		IsTrivialMove:  len(output) == 0 && level > 0,
	}
}
