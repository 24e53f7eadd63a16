package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dd0wney/columnforge/pkg/health"
	"github.com/dd0wney/columnforge/pkg/logging"
	"github.com/dd0wney/columnforge/pkg/lsm"
	"github.com/dd0wney/columnforge/pkg/metrics"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "optional YAML options file")
	keep := flag.Bool("keep", false, "keep the scratch directory after the run")
	flag.Parse()

	// A uuid-suffixed scratch dir lets concurrent runs share ./data
	// without stepping on each other.
	dataDir := filepath.Join("./data", "test-engine-"+uuid.NewString())
	if !*keep {
		defer os.RemoveAll(dataDir)
	}

	opts := lsm.DefaultOptions(dataDir)
	if *configPath != "" {
		var err error
		opts, err = lsm.LoadOptionsFromFile(*configPath, dataDir)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	opts.MemTableSizeBytes = 4096 // small, so the run exercises flushes
	opts.EnableAutoCompaction = true

	schema := lsm.Schema{
		Columns: []lsm.ColumnDef{
			{Name: "id", Type: lsm.ColInt64},
			{Name: "name", Type: lsm.ColString},
			{Name: "score", Type: lsm.ColDouble},
		},
		PrimaryKeyIdx: 0,
	}

	logger := logging.NewDefaultLogger()
	reg := metrics.NewRegistry()

	fmt.Println("Opening tree...")
	tree, err := lsm.Open(schema, opts, logger, reg)
	if err != nil {
		log.Fatalf("Failed to open tree: %v", err)
	}

	fmt.Println("Writing rows...")
	const rows = 500
	for i := 0; i < rows; i++ {
		row := lsm.Row{
			lsm.IntValue(int64(i)),
			lsm.StringValue([]byte(fmt.Sprintf("name%03d", i))),
			lsm.DoubleValue(float64(i) * 1.1),
		}
		if err := tree.Put(row); err != nil {
			log.Fatalf("Put(%d): %v", i, err)
		}
	}

	fmt.Println("Reading a few back...")
	for _, id := range []int64{0, 42, 499} {
		row, found, err := tree.Get(lsm.IntValue(id))
		if err != nil || !found {
			log.Fatalf("Get(%d): found=%v err=%v", id, found, err)
		}
		fmt.Printf("  id=%d name=%s score=%.1f\n", id, row[1].Str, row[2].F64)
	}

	fmt.Println("\nDeleting every tenth row...")
	for i := 0; i < rows; i += 10 {
		if err := tree.Delete(lsm.IntValue(int64(i))); err != nil {
			log.Fatalf("Delete(%d): %v", i, err)
		}
	}

	fmt.Println("Forcing a flush...")
	if err := tree.FlushToSST(); err != nil {
		log.Fatalf("FlushToSST: %v", err)
	}
	tree.TriggerCompaction()

	fmt.Println("\nScanning the score column...")
	col, err := tree.ScanColumn("score")
	if err != nil {
		log.Fatalf("ScanColumn: %v", err)
	}
	var sum float64
	for _, v := range col.Floats {
		sum += v
	}
	fmt.Printf("  live rows=%d sum=%.1f\n", col.RowCount(), sum)

	fmt.Println("\nHealth checks:")
	hc := health.NewHealthChecker()
	hc.RegisterCheck("wal_directory", health.WALDirectoryCheck(tree.WALDirPath()))
	hc.RegisterCheck("manifest", health.ManifestCheck(tree.ManifestPath()))
	hc.RegisterReadinessCheck("flush_backlog", health.FlushBacklogCheck(func() (int, int) {
		st := tree.Stats()
		return st.QueuedImmutables, st.MaxImmutables
	}))
	hc.RegisterCheck("memory", health.MemoryCheck(func() (uint64, uint64) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapAlloc, ms.Sys
	}))
	for name, check := range hc.Check().Checks {
		fmt.Printf("  %-16s %-10s %s\n", name, check.Status, check.Message)
	}

	fmt.Println("\nClosing and reopening to prove recovery...")
	if err := tree.Close(); err != nil {
		log.Fatalf("Close: %v", err)
	}
	tree2, err := lsm.Open(schema, opts, logger, reg)
	if err != nil {
		log.Fatalf("Reopen: %v", err)
	}
	defer tree2.Close()

	live, deleted := 0, 0
	for i := 0; i < rows; i++ {
		_, found, err := tree2.Get(lsm.IntValue(int64(i)))
		if err != nil {
			log.Fatalf("Get after reopen(%d): %v", i, err)
		}
		if found {
			live++
		} else {
			deleted++
		}
	}
	fmt.Printf("  after reopen: live=%d deleted=%d\n", live, deleted)

	fmt.Println("\nDone.")
}
