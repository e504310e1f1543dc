package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/libmapper/libmapper"
	"github.com/libmapper/libmapper/instance"
	"github.com/libmapper/libmapper/value"
)

// Config describes one mapper process: where it talks, what it
// remembers and which devices, signals and maps it brings up.
type Config struct {
	Listen  []string `yaml:"listen"`
	Connect []string `yaml:"connect"`
	// Archive is a pebble directory for the warm start cache.
	Archive string `yaml:"archive"`
	// HTTP serves /metrics and the JSON directory when set.
	HTTP     string `yaml:"http"`
	LogLevel string `yaml:"log_level"`

	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`

	Heartbeat   time.Duration `yaml:"heartbeat"`
	Expire      time.Duration `yaml:"expire"`
	Release     time.Duration `yaml:"release"`
	PollTimeout time.Duration `yaml:"poll_timeout"`

	Devices []DeviceConfig `yaml:"devices"`
	Maps    []MapConfig    `yaml:"maps"`
}

type DeviceConfig struct {
	Name    string         `yaml:"name"`
	Signals []SignalConfig `yaml:"signals"`
}

type SignalConfig struct {
	Name      string    `yaml:"name"`
	Direction string    `yaml:"direction"`
	Type      string    `yaml:"type"`
	Length    int       `yaml:"length"`
	Unit      string    `yaml:"unit"`
	Min       []float64 `yaml:"min"`
	Max       []float64 `yaml:"max"`
	Instances int       `yaml:"instances"`
	Steal     string    `yaml:"steal"`
}

type MapConfig struct {
	Sources     []string `yaml:"sources"`
	Destination string   `yaml:"destination"`
	Expression  string   `yaml:"expression"`
}

func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig reads a YAML file; an empty path gives the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	for i := range c.Devices {
		for j := range c.Devices[i].Signals {
			s := &c.Devices[i].Signals[j]
			if s.Length == 0 {
				s.Length = 1
			}
			if s.Type == "" {
				s.Type = "float"
			}
		}
	}
}

func (c *Config) validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	names := make(map[string]bool)
	for _, d := range c.Devices {
		if d.Name == "" {
			return errors.New("device without a name")
		}
		if names[d.Name] {
			return errors.Errorf("device %q listed twice", d.Name)
		}
		names[d.Name] = true
		for _, s := range d.Signals {
			if _, err := parseDirection(s.Direction); err != nil {
				return errors.Wrapf(err, "signal %s/%s", d.Name, s.Name)
			}
			if _, err := parseType(s.Type); err != nil {
				return errors.Wrapf(err, "signal %s/%s", d.Name, s.Name)
			}
			if _, err := parseSteal(s.Steal); err != nil {
				return errors.Wrapf(err, "signal %s/%s", d.Name, s.Name)
			}
			if len(s.Min) != 0 && len(s.Min) != s.Length || len(s.Max) != 0 && len(s.Max) != s.Length {
				return errors.Errorf("signal %s/%s: bounds must have %d elements", d.Name, s.Name, s.Length)
			}
		}
	}
	for _, m := range c.Maps {
		if len(m.Sources) == 0 || m.Destination == "" {
			return errors.New("map needs sources and a destination")
		}
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Errorf("bad log level %q", c.LogLevel)
	}
	return l, nil
}

// Options fills the graph options the config controls.
func (c *Config) Options(opts *libmapper.Options) {
	opts.Interface = c.Interface
	opts.Port = c.Port
	opts.HeartbeatInterval = c.Heartbeat
	opts.ExpireTimeout = c.Expire
	opts.ReleaseTimeout = c.Release
}

func parseDirection(s string) (libmapper.Direction, error) {
	switch strings.ToLower(s) {
	case "in", "incoming":
		return libmapper.DirIncoming, nil
	case "", "out", "outgoing":
		return libmapper.DirOutgoing, nil
	}
	return libmapper.DirUndefined, fmt.Errorf("bad direction %q", s)
}

func parseType(s string) (value.Type, error) {
	switch strings.ToLower(s) {
	case "i", "int", "int32":
		return value.Int32, nil
	case "f", "float", "float32":
		return value.Float32, nil
	case "d", "double", "float64":
		return value.Float64, nil
	}
	return value.Unknown, fmt.Errorf("bad signal type %q", s)
}

func parseSteal(s string) (instance.Stealing, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return instance.StealNone, nil
	case "oldest":
		return instance.StealOldest, nil
	case "newest":
		return instance.StealNewest, nil
	}
	return instance.StealNone, fmt.Errorf("bad steal mode %q", s)
}

// Build creates the configured devices and signals on g and stages the
// configured maps. Maps wait for their endpoints to appear.
func (c *Config) Build(g *libmapper.Graph) (devs []*libmapper.Device, err error) {
	for _, dc := range c.Devices {
		d, err := libmapper.NewDevice(dc.Name, g)
		if err != nil {
			return devs, errors.Wrapf(err, "device %s", dc.Name)
		}
		devs = append(devs, d)
		for _, sc := range dc.Signals {
			dir, _ := parseDirection(sc.Direction)
			typ, _ := parseType(sc.Type)
			steal, _ := parseSteal(sc.Steal)
			var opts []libmapper.SignalOpt
			if sc.Unit != "" {
				opts = append(opts, &libmapper.SignalUnitOpt{Unit: sc.Unit})
			}
			if len(sc.Min) != 0 || len(sc.Max) != 0 {
				opts = append(opts, &libmapper.SignalBoundsOpt{Min: floats(sc.Min), Max: floats(sc.Max)})
			}
			if sc.Instances > 0 {
				opts = append(opts, &libmapper.SignalInstancesOpt{Num: sc.Instances, Stealing: steal})
			}
			if _, err := d.AddSignal(dir, sc.Name, sc.Length, typ, opts...); err != nil {
				return devs, errors.Wrapf(err, "signal %s/%s", dc.Name, sc.Name)
			}
		}
	}
	for _, mc := range c.Maps {
		m, err := g.NewMapFromNames(mc.Expression, mc.Destination, mc.Sources...)
		if err != nil {
			return devs, errors.Wrapf(err, "map to %s", mc.Destination)
		}
		if err := m.Push(); err != nil {
			return devs, errors.Wrapf(err, "map to %s", mc.Destination)
		}
	}
	return devs, nil
}

func floats(f []float64) value.Value {
	if len(f) == 0 {
		return value.Value{}
	}
	return value.Float64s(f...)
}
