package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

var ErrEmpty = errors.New("empty configuration")

// C holds the runtime configuration as a tree of yaml values. Keys are dotted
// paths into the tree.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
	envBindings []EnvBinding
	envLookup   LookupFunc
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, which is either a single file or a directory. Every .yaml
// and .yml file under a directory is merged in lexical order, later files
// overriding earlier ones.
func (c *C) Load(path string) error {
	c.path = path
	c.files = c.files[:0]

	if err := c.resolve(path, true); err != nil {
		return err
	}
	if len(c.files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}
	slices.Sort(c.files)

	settings, err := mergeFiles(c.files)
	if err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return ErrEmpty
	}
	settings, err := parse([]byte(raw))
	if err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

// RegisterReloadCallback stores a function to be called after every reload.
// Callbacks should use HasChanged to decide whether there is anything to do
// and must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs from the one before
// the last reload. An empty k compares the whole tree. Values are compared by
// their yaml encoding, so reordered lists count as a change.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any = c.Settings, c.oldSettings
	if k != "" {
		nv, ov = lookup(c.Settings, k), lookup(c.oldSettings, k)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("key", k).WithError(err).Error("Failed to encode the new config value")
	}
	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("key", k).WithError(err).Error("Failed to encode the old config value")
	}
	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load whenever the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	err := c.reload(func() error { return c.Load(c.path) })
	if err != nil {
		c.l.WithField("configPath", c.path).WithError(err).Error("Failed to reload config")
	}
}

func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

// reload keeps a shallow copy of the current settings for HasChanged, runs
// load, applies the environment overlay again and notifies callbacks.
func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	c.oldSettings = maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.applyEnv()

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// resolve collects config files under path. A directly named file is taken
// whatever its extension.
func (c *C) resolve(path string, direct bool) error {
	i, err := os.Stat(path)
	if err != nil {
		if direct {
			return fmt.Errorf("config path: %w", err)
		}
		return nil
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		c.files = append(c.files, ap)
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}
	for _, e := range entries {
		if err := c.resolve(filepath.Join(path, e.Name()), false); err != nil {
			return err
		}
	}
	return nil
}

func parse(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func mergeFiles(files []string) (map[string]any, error) {
	var merged map[string]any
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		next, err := parse(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		// the earlier files only fill in what the later one leaves unset,
		// lists are concatenated
		if err := mergo.Merge(&next, merged, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		merged = next
	}
	return merged, nil
}
