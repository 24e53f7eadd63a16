package lsm

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Options configures an opened Tree.
type Options struct {
	DataDir string `validate:"required"`

	// MemTableSizeBytes triggers a memtable rotation to immutable once
	// ApproximateSize() reaches it.
	MemTableSizeBytes int `validate:"gt=0" yaml:"memtable_size_bytes"`

	// MaxImmutableMemTables bounds how many frozen memtables may queue for
	// flush before Put starts blocking, so a slow flush path applies
	// backpressure instead of growing memory without limit.
	MaxImmutableMemTables int `validate:"gt=0" yaml:"max_immutable_memtables"`

	// EnableAutoCompaction starts the background compaction scheduler.
	// Disabled in tests that want to drive compaction deterministically.
	EnableAutoCompaction bool `yaml:"enable_auto_compaction"`

	// CompactionCheckInterval is how often the scheduler asks the picker
	// whether any level needs a compaction job.
	CompactionCheckInterval time.Duration `validate:"gt=0" yaml:"compaction_check_interval"`

	// UseCompressedWAL switches the write-ahead log to its snappy-backed
	// variant, trading some CPU for less disk I/O on large values.
	UseCompressedWAL bool `yaml:"use_compressed_wal"`

	// L1MaxBytes is L1's absolute compaction trigger; every level below it
	// is levelSizeMultiplier times larger. Left at 0 (its validated
	// minimum), Open substitutes defaultL1MaxBytes - tests that want
	// compaction to trigger without writing production-sized files can set
	// this to a few KiB instead.
	L1MaxBytes int64 `validate:"gte=0" yaml:"l1_max_bytes"`
}

// DefaultOptions returns sane defaults for production use.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:                 dataDir,
		MemTableSizeBytes:       64 * 1024 * 1024,
		MaxImmutableMemTables:   4,
		EnableAutoCompaction:    true,
		CompactionCheckInterval: 5 * time.Second,
		UseCompressedWAL:        false,
		L1MaxBytes:              defaultL1MaxBytes,
	}
}

var optionsValidator = validator.New()

// Validate checks the options struct against its `validate` tags.
func (o Options) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("lsm: invalid options: %w", err)
	}
	return nil
}

// LoadOptionsFromFile reads YAML-encoded options, overlaying them onto
// DefaultOptions(dataDir) so a config file only needs to mention the
// fields it overrides.
func LoadOptionsFromFile(path, dataDir string) (Options, error) {
	opts := DefaultOptions(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("lsm: read options file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("lsm: parse options file %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
