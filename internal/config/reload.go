package config

import (
	"errors"
	"os"
	"sync"
	"time"
)

// Reloader holds the active config and swaps it when the backing file
// changes. Callers take a snapshot with Current before each calculation so a
// reload never lands mid-calculation.
type Reloader struct {
	path string

	mu      sync.RWMutex
	cfg     *Config
	modTime time.Time
}

func NewReloader(path string) (*Reloader, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Reloader{path: path, cfg: cfg, modTime: info.ModTime()}, nil
}

// Static wraps an already loaded config. Reload is a no-op.
func Static(cfg *Config) *Reloader {
	return &Reloader{cfg: cfg}
}

func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reload re-reads the file if its modification time moved. A non-nil apply
// sees the candidate before it is committed; if it fails, or the file does
// not load, the previous config stays active and the file is retried on the
// next call.
func (r *Reloader) Reload(apply func(*Config) error) (bool, error) {
	if r.path == "" {
		return false, nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	unchanged := info.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	cfg, err := Load(r.path)
	if err != nil {
		return false, err
	}
	if apply != nil {
		if err := apply(cfg); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	r.cfg = cfg
	r.modTime = info.ModTime()
	r.mu.Unlock()
	return true, nil
}
