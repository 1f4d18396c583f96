package config

import (
	"strings"
)

// EnvBinding copies an environment variable onto a config key. A Flag binding
// sets the key to true whenever the variable is present, whatever its value.
type EnvBinding struct {
	Env  string
	Key  string
	Flag bool
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(string) (string, bool)

// LoadEnv overlays the bound environment variables onto the settings and
// remembers the bindings so they are applied again after every reload. It
// returns the keys that were set.
func (c *C) LoadEnv(bindings []EnvBinding, lookup LookupFunc) []string {
	c.envBindings = bindings
	c.envLookup = lookup
	return c.applyEnv()
}

func (c *C) applyEnv() []string {
	if c.envLookup == nil {
		return nil
	}
	if c.Settings == nil {
		c.Settings = make(map[string]any)
	}

	var set []string
	for _, b := range c.envBindings {
		v, ok := c.envLookup(b.Env)
		if !ok {
			continue
		}
		var value any = strings.TrimSpace(v)
		if b.Flag {
			value = true
		}
		c.set(b.Key, value)
		set = append(set, b.Key)
		c.l.WithField("env", b.Env).WithField("key", b.Key).Debug("Config key set from environment")
	}
	return set
}

// set stores v at the dotted path k, creating intermediate maps as needed.
func (c *C) set(k string, v any) {
	parts := strings.Split(k, ".")
	m := c.Settings
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
