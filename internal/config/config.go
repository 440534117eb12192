// Package config loads and validates the pool-sizing and fault-channel
// settings the cache runs with (§6). The on-disk format is TOML,
// mirroring original_source's Config::load_config.
package config

import (
	"io"
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// ErrConfigError is the §7 "ConfigError" sentinel: every validation
// failure below wraps it as its cause, so errors.Is(err, ErrConfigError)
// succeeds regardless of which specific check failed — callers that
// only care "was this a config problem" (e.g. to decide whether to
// treat startup failure as fatal) don't need to enumerate every
// specific variable.
var ErrConfigError = errors.New("config: invalid configuration")

var (
	ErrPreallocTooSmall = errors.Wrap(ErrConfigError, "prealloc_bytes must be >= io_block_size")
	ErrPoolTooSmall     = errors.Wrap(ErrConfigError, "prealloc_bytes must exceed cache_page_size")
	ErrZeroPages        = errors.Wrap(ErrConfigError, "cache_nr_pages must be > 0")
	ErrUnalignedPage    = errors.Wrap(ErrConfigError, "cache_page_size must be a multiple of io_block_size")
)

// Config is the full key set of §6's table, loadable from a TOML file
// or built directly via NewWithSize / NewWithManual.
type Config struct {
	LogAllOperations  bool   `toml:"log_all_operations"`
	IsDefaultConfig   bool   `toml:"is_default_config"`
	CacheNrPages      int    `toml:"cache_nr_pages"`
	CachePageSize     int    `toml:"cache_page_size"`
	IOBlockSize       int    `toml:"io_block_size"`
	DiskSectorSize    int    `toml:"disk_sector_size"`
	ApplyLRUEviction  bool   `toml:"apply_lru_eviction"`
	FifoPath          string `toml:"fifo_path"`
	FifoPathCompleted string `toml:"fifo_path_completed"`
	LogFile           string `toml:"log_file"`
}

// Default mirrors original_source's Default impl for Config: a small
// pool, eviction off, and the fault command channel on "faults.fifo".
func Default() Config {
	return Config{
		LogAllOperations: false,
		IsDefaultConfig:  true,
		CacheNrPages:     5,
		CachePageSize:    4096,
		IOBlockSize:      4096,
		DiskSectorSize:   512,
		ApplyLRUEviction: false,
		FifoPath:         "faults.fifo",
	}
}

// NewWithSize derives cache_page_size from nrBlocksPerPage and fits as
// many pages as possible into preallocBytes.
func NewWithSize(preallocBytes int64, nrBlocksPerPage int) (Config, error) {
	cfg := Default()
	if err := cfg.fromSize(preallocBytes, nrBlocksPerPage); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fromSize(preallocBytes int64, nrBlocksPerPage int) error {
	if preallocBytes < int64(c.IOBlockSize) {
		return ErrPreallocTooSmall
	}
	c.CachePageSize = nrBlocksPerPage * c.IOBlockSize
	if preallocBytes <= int64(c.CachePageSize) {
		return ErrPoolTooSmall
	}
	c.CacheNrPages = int(preallocBytes / int64(c.CachePageSize))
	c.IsDefaultConfig = false
	return nil
}

// NewWithManual builds a Config from explicit pool dimensions, validated
// exactly as original_source's setup_config_manually.
func NewWithManual(ioBlockSize, cachePageSize, cacheNrPages int) (Config, error) {
	cfg := Default()
	if err := cfg.setupManual(ioBlockSize, cachePageSize, cacheNrPages); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setupManual(ioBlockSize, cachePageSize, cacheNrPages int) error {
	if cacheNrPages == 0 {
		return ErrZeroPages
	}
	if cachePageSize%ioBlockSize != 0 {
		return ErrUnalignedPage
	}
	c.IOBlockSize = ioBlockSize
	c.CachePageSize = cachePageSize
	c.CacheNrPages = cacheNrPages
	c.IsDefaultConfig = false
	return nil
}

// Load reads and validates a TOML config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: open")
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a TOML document from r into a Config, applying the same
// alignment check NewWithManual does (a hand-edited file can violate it
// even though load_config in the original never checked).
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: decode toml")
	}
	if cfg.CacheNrPages == 0 {
		return Config{}, ErrZeroPages
	}
	if cfg.CachePageSize%cfg.IOBlockSize != 0 {
		return Config{}, ErrUnalignedPage
	}
	cfg.IsDefaultConfig = false
	return cfg, nil
}
