package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/observability"
)

// limitsFile is the on-disk shape of the override file.
//
//	subjects:
//	  2b1a...-uuid:
//	    per_second: 50
//	    per_minute: 1000
type limitsFile struct {
	Subjects map[string]limitsEntry `yaml:"subjects"`
}

type limitsEntry struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// LimitOverrides serves operator-configured rate-limit profiles keyed by
// subject ID, reloading the backing file when it changes. A reload that
// fails to parse keeps the previous profiles in place.
type LimitOverrides struct {
	path     string
	logger   *observability.Logger
	profiles atomic.Pointer[map[uuid.UUID]auth.RateLimitProfile]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLimitOverrides loads the override file at path. The initial load must
// succeed; subsequent reloads are best effort.
func NewLimitOverrides(path string, logger *observability.Logger) (*LimitOverrides, error) {
	o := &LimitOverrides{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	profiles, err := loadLimitsFile(path)
	if err != nil {
		return nil, err
	}
	o.profiles.Store(&profiles)
	return o, nil
}

// Watch starts reloading the file on filesystem changes. The parent
// directory is watched so editors that replace the file atomically still
// trigger a reload.
func (o *LimitOverrides) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create limits watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(o.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", o.path, err)
	}
	o.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(o.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				o.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.logger.WithError(err).Warn("limits watcher error")
			case <-o.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one was started.
func (o *LimitOverrides) Close() error {
	close(o.done)
	if o.watcher != nil {
		return o.watcher.Close()
	}
	return nil
}

func (o *LimitOverrides) reload() {
	profiles, err := loadLimitsFile(o.path)
	if err != nil {
		o.logger.WithError(err).WithField("path", o.path).Warn("limits reload failed, keeping previous profiles")
		return
	}
	o.profiles.Store(&profiles)
	o.logger.WithField("subjects", len(profiles)).Info("rate limit overrides reloaded")
}

// ProfileFor returns the override profile for the identity's subject, if any.
func (o *LimitOverrides) ProfileFor(identity *auth.Identity) (auth.RateLimitProfile, bool) {
	profiles := *o.profiles.Load()
	profile, ok := profiles[identity.SubjectID]
	return profile, ok
}

func loadLimitsFile(path string) (map[uuid.UUID]auth.RateLimitProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file: %w", err)
	}
	var file limitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse limits file: %w", err)
	}

	profiles := make(map[uuid.UUID]auth.RateLimitProfile, len(file.Subjects))
	for subject, entry := range file.Subjects {
		id, err := uuid.Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("invalid subject %q in limits file: %w", subject, err)
		}
		profiles[id] = auth.RateLimitProfile{
			PerSecond: entry.PerSecond,
			PerMinute: entry.PerMinute,
			PerHour:   entry.PerHour,
			PerDay:    entry.PerDay,
		}
	}
	return profiles, nil
}
