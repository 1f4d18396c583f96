package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Get returns the raw value at the dotted path k, or nil.
func (c *C) Get(k string) any {
	return lookup(c.Settings, k)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetStringSlice converts every element of a yaml list to its string form.
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i, e := range rv {
		v[i] = fmt.Sprintf("%v", e)
	}
	return v
}

// GetInt accepts yaml integers and decimal strings, which is what the
// environment overlay produces.
func (c *C) GetInt(k string, d int) int {
	switch v := c.Get(k).(type) {
	case int:
		return v
	case uint64:
		if v <= math.MaxInt {
			return int(v)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return d
}

// GetBool understands y, yes, n and no in any case on top of what
// strconv.ParseBool accepts. Environment flags set from a non-empty value
// like "0" are false.
func (c *C) GetBool(k string, d bool) bool {
	switch v := c.Get(k).(type) {
	case bool:
		return v
	case int:
		return v != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		switch s {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return d
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	s, ok := c.Get(k).(string)
	if !ok {
		return d
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return d
	}
	return v
}

var sizeUnits = map[string]int64{
	"":    1,
	"b":   1,
	"k":   1 << 10,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"m":   1 << 20,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"g":   1 << 30,
	"gb":  1 << 30,
	"gib": 1 << 30,
}

// GetSize reads a byte count. Plain integers are bytes, strings may carry a
// binary unit suffix such as 4k, 2MiB or 1G. Negative or malformed values
// return d.
func (c *C) GetSize(k string, d int64) int64 {
	switch v := c.Get(k).(type) {
	case int:
		if v >= 0 {
			return int64(v)
		}
	case string:
		if n, err := ParseSize(v); err == nil {
			return n
		}
	}
	return d
}

func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i == -1 {
		i = len(s)
	}

	mult, ok := sizeUnits[strings.TrimSpace(s[i:])]
	if !ok || i == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

func lookup(m map[string]any, k string) any {
	var v any = m
	for _, p := range strings.Split(k, ".") {
		next, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = next[p]; !ok {
			return nil
		}
	}
	return v
}
