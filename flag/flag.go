package flag

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/machine"
	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the YAML file read by LoadConfig.
const maxConfigSize = 1 << 20

var ErrConfigTooLarge = errors.New("config file too large")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// Config is what a YAML config file may set. Command line flags win over
// the file.
type Config struct {
	Dev       string   `yaml:"dev"`
	Mem       string   `yaml:"mem"`
	LogLevel  string   `yaml:"log_level"`
	Scenarios []string `yaml:"scenarios"`
}

// DefaultConfig is used for anything neither the file nor the flags set.
func DefaultConfig() Config {
	return Config{
		Dev:      machine.DefaultDev,
		Mem:      "128M",
		LogLevel: "warn",
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. An empty
// path yields the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return c, fault.Violationf(err, "config %s", path)
	}

	if info.Size() > maxConfigSize {
		return c, fault.Violationf(ErrConfigTooLarge, "config %s: %d bytes", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fault.Violationf(err, "config %s", path)
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fault.Violationf(err, "parse config %s", path)
	}

	slog.Debug("config loaded", "path", path, "dev", c.Dev, "mem", c.Mem)

	return c, nil
}

// Merge overrides c with every non-empty field of o.
func (c Config) Merge(o Config) Config {
	if o.Dev != "" {
		c.Dev = o.Dev
	}

	if o.Mem != "" {
		c.Mem = o.Mem
	}

	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}

	if len(o.Scenarios) > 0 {
		c.Scenarios = o.Scenarios
	}

	return c
}

// Machine converts c to a machine configuration. Sizes without a unit are
// megabytes.
func (c Config) Machine() (machine.Config, error) {
	size, err := ParseSize(c.Mem, "m")
	if err != nil {
		return machine.Config{}, fault.Violationf(err, "memory size")
	}

	return machine.Config{Dev: c.Dev, MemSize: size}, nil
}

// Level parses the log level name.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fault.Violationf(err, "log level")
	}

	return l, nil
}
