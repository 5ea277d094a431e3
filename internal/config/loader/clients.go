// Package loader reads and hot-reloads the tenant definitions file.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"revaudit/internal/logger"
)

// ClientDefinition describes one tenant. Runs and data for different
// tenants never mix.
type ClientDefinition struct {
	ID       string         `mapstructure:"id"`
	Name     string         `mapstructure:"name"`
	Timezone string         `mapstructure:"timezone"`
	Active   bool           `mapstructure:"active"`
	Schedule ScheduleConfig `mapstructure:"schedule"`

	loc *time.Location
}

// Location resolves the tenant's timezone, defaulting to UTC.
func (c ClientDefinition) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	return time.UTC
}

// ScheduleConfig is the tenant's automated-run cadence.
type ScheduleConfig struct {
	Frequency string `mapstructure:"frequency"` // daily | hourly
	At        string `mapstructure:"at"`        // "03:00" for daily
}

// NextAfter returns the next scheduled trigger time strictly after t.
func (s ScheduleConfig) NextAfter(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	switch strings.ToLower(strings.TrimSpace(s.Frequency)) {
	case "hourly":
		return local.Truncate(time.Hour).Add(time.Hour)
	default:
		hour, minute := 3, 0
		if parts := strings.SplitN(strings.TrimSpace(s.At), ":", 2); len(parts) == 2 {
			fmt.Sscanf(parts[0], "%d", &hour)
			fmt.Sscanf(parts[1], "%d", &minute)
		}
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Registry holds the currently loaded tenant set and supports hot reload.
type Registry struct {
	path string

	mu      sync.RWMutex
	clients map[string]ClientDefinition
}

// NewRegistry loads the definitions file at path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, clients: map[string]ClientDefinition{}}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	v := viper.New()
	v.SetConfigFile(r.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading clients file failed (%s): %w", r.path, err)
	}
	var raw struct {
		Clients []ClientDefinition `mapstructure:"clients"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return fmt.Errorf("parsing clients file failed: %w", err)
	}
	next := make(map[string]ClientDefinition, len(raw.Clients))
	for _, c := range raw.Clients {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return fmt.Errorf("clients file contains an entry without id")
		}
		if _, dup := next[c.ID]; dup {
			return fmt.Errorf("duplicate client id: %s", c.ID)
		}
		tz := strings.TrimSpace(c.Timezone)
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("client %s: unknown timezone %q", c.ID, tz)
		}
		c.loc = loc
		next[c.ID] = c
	}
	r.mu.Lock()
	r.clients = next
	r.mu.Unlock()
	return nil
}

// Get returns the definition for one tenant.
func (r *Registry) Get(id string) (ClientDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Active returns the active tenants sorted by id.
func (r *Registry) Active() []ClientDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientDefinition, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch reloads the registry whenever the definitions file changes, until
// ctx is canceled. A broken edit keeps the last good tenant set.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Warnf("clients reload failed, keeping previous set: %v", err)
				continue
			}
			logger.Infof("clients file reloaded (%d active)", len(r.Active()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("clients watcher error: %v", err)
		}
	}
}
