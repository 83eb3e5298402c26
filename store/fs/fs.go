package fs

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/watchsync/watchsync/store/mem"
)

// Config represents the file store config structure.
type Config struct {
	Path         string        `koanf:"path"`
	SaveInterval time.Duration `koanf:"save_interval"`
}

// File is an in-memory store that's periodically persisted to a JSON file,
// so rooms and their update logs survive a restart of a single node.
type File struct {
	*mem.InMemory

	cfg   *Config
	log   *logrus.Logger
	mu    sync.Mutex
	saved uint64
}

// New returns a new file store, loading the file if it exists.
func New(cfg Config, log *logrus.Logger) (*File, error) {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = time.Minute
	}

	m, err := mem.New(mem.Config{})
	if err != nil {
		return nil, err
	}

	f := &File{
		InMemory: m,
		cfg:      &cfg,
		log:      log,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	f.saved = f.Version()

	go f.watch()
	return f, nil
}

// watch periodically flushes changes to disk.
func (f *File) watch() {
	t := time.NewTicker(f.cfg.SaveInterval)
	defer t.Stop()
	for range t.C {
		if err := f.Save(); err != nil {
			f.log.Errorf("error writing file %q: %v", f.cfg.Path, err)
		}
	}
}

// load the data from the file system.
func (f *File) load() error {
	b, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return f.Load(b)
}

// Save writes the store to disk if it has changed since the last save.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.Version()
	if v == f.saved {
		return nil
	}

	b, err := f.Dump()
	if err != nil {
		return err
	}

	// Write to a temp file first so a crash can't leave a truncated file.
	tmp := f.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.cfg.Path); err != nil {
		return err
	}
	f.saved = v
	return nil
}
