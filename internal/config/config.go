// Package config loads the YAML description of a simulated adapter and
// its traffic run.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hme/internal/hme"
	"github.com/tinyrange/hme/internal/link"
	"github.com/tinyrange/hme/internal/mii"
	"github.com/tinyrange/hme/internal/sim"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

const DefaultMAC = "08:00:20:00:00:01"

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	LogLevel string  `yaml:"logLevel,omitempty"`
	Metrics  string  `yaml:"metrics,omitempty"` // Listen address for /metrics
	Pcap     string  `yaml:"pcap,omitempty"`    // Capture file
	Device   Device  `yaml:"device"`
	Link     Link    `yaml:"link"`
	Filter   Filter  `yaml:"filter,omitempty"`
	Sim      Sim     `yaml:"sim"`
	Traffic  Traffic `yaml:"traffic"`
}

type Device struct {
	Name          string   `yaml:"name"`
	MAC           string   `yaml:"mac"`
	TxRing        int      `yaml:"txRing,omitempty"`
	RxRing        int      `yaml:"rxRing,omitempty"`
	RxBuffers     int      `yaml:"rxBuffers,omitempty"`
	MaxFragments  int      `yaml:"maxFragments,omitempty"`
	CopyThreshold int      `yaml:"copyThreshold,omitempty"`
	Burst         int      `yaml:"burst,omitempty"`
	Lance         bool     `yaml:"lance,omitempty"`
	MIF           string   `yaml:"mif,omitempty"`   // frame or bitbang
	Order         string   `yaml:"order,omitempty"` // big (SBUS) or little (PCI)
	Tick          Duration `yaml:"tick,omitempty"`
}

// Link is the initial link request: "autoneg" or a forced mode such as
// "100full" or "10half".
type Link struct {
	Mode string `yaml:"mode"`
}

type Filter struct {
	Promisc   bool     `yaml:"promisc,omitempty"`
	AllMulti  bool     `yaml:"allmulti,omitempty"`
	Multicast []string `yaml:"multicast,omitempty"`
}

type Sim struct {
	Internal     bool     `yaml:"internal"`
	External     bool     `yaml:"external"`
	Lucent       bool     `yaml:"lucent,omitempty"`
	FrameLatency int      `yaml:"frameLatency,omitempty"`
	ERXParityBug bool     `yaml:"erxParityBug,omitempty"`
	Partner      *Partner `yaml:"partner,omitempty"`
}

type Partner struct {
	Autoneg          bool     `yaml:"autoneg"`
	Modes            []string `yaml:"modes"` // Advertised and accepted when forced
	NegotiationPolls int      `yaml:"negotiationPolls"`
	LinkPolls        int      `yaml:"linkPolls"`
	StuckRestart     bool     `yaml:"stuckRestart,omitempty"`
	Unplugged        bool     `yaml:"unplugged,omitempty"`
}

// Traffic describes the generated load.
type Traffic struct {
	Frames   int      `yaml:"frames"`
	Size     int      `yaml:"size"`
	Frags    int      `yaml:"frags,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
	// Echo loops every transmitted frame back into the receiver with
	// the addresses swapped.
	Echo bool `yaml:"echo"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	c.Traffic.Echo = true
	return c
}

func (c *Config) normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Device.Name == "" {
		c.Device.Name = "hme0"
	}
	if c.Device.MAC == "" {
		c.Device.MAC = DefaultMAC
	}
	if c.Device.MIF == "" {
		c.Device.MIF = "frame"
	}
	if c.Device.Order == "" {
		c.Device.Order = "big"
	}
	if c.Device.Tick == 0 {
		c.Device.Tick = Duration(link.DefaultTick)
	}
	if c.Link.Mode == "" {
		c.Link.Mode = "autoneg"
	}
	if !c.Sim.Internal && !c.Sim.External {
		c.Sim.Internal = true
	}
	if c.Traffic.Frames == 0 {
		c.Traffic.Frames = 1000
	}
	if c.Traffic.Size == 0 {
		c.Traffic.Size = 512
	}
	if c.Traffic.Frags == 0 {
		c.Traffic.Frags = 1
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write encodes c as YAML to path.
func Write(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Validate checks everything that can be checked without a device.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	ac, err := c.Adapter(nil)
	if err != nil {
		return err
	}
	if err := ac.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := c.SimConfig(); err != nil {
		return err
	}
	maxFrags := ac.MaxFragments
	if maxFrags == 0 {
		maxFrags = hme.DefaultMaxFragments
	}
	t := c.Traffic
	if t.Frames < 0 || t.Interval < 0 {
		return fmt.Errorf("%w: traffic frames %d interval %v", ErrInvalid, t.Frames, t.Interval.Duration())
	}
	if t.Size < 60 || t.Size > 1514 {
		return fmt.Errorf("%w: traffic frame size %d outside 60..1514", ErrInvalid, t.Size)
	}
	if t.Frags < 1 || t.Frags > maxFrags || t.Frags > t.Size {
		return fmt.Errorf("%w: %d fragments per frame", ErrInvalid, t.Frags)
	}
	return nil
}

// Level is the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

// LinkParams parses the link request.
func (l Link) LinkParams() (link.Params, error) {
	m := strings.ToLower(strings.TrimSpace(l.Mode))
	if m == "autoneg" || m == "auto" {
		return link.Autoneg, nil
	}
	for _, d := range []string{"full", "half"} {
		speed, ok := strings.CutSuffix(m, d)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(speed)
		if err != nil {
			break
		}
		dup, _ := link.ParseDuplex(d)
		p := link.Params{Speed: n, Duplex: dup}
		if err := p.Validate(); err != nil {
			return link.Params{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return p, nil
	}
	return link.Params{}, fmt.Errorf("%w: link mode %q", ErrInvalid, l.Mode)
}

// Adapter converts the device section into an adapter configuration.
// Runtime hooks (stack, tap, clock) are left for the caller.
func (c *Config) Adapter(log *slog.Logger) (hme.Config, error) {
	d := c.Device
	mac, err := net.ParseMAC(d.MAC)
	if err != nil || len(mac) != 6 {
		return hme.Config{}, fmt.Errorf("%w: MAC %q", ErrInvalid, d.MAC)
	}
	mode, err := mii.ParseMode(d.MIF)
	if err != nil {
		return hme.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var order binary.ByteOrder
	switch d.Order {
	case "big":
		order = binary.BigEndian
	case "little":
		order = binary.LittleEndian
	default:
		return hme.Config{}, fmt.Errorf("%w: byte order %q", ErrInvalid, d.Order)
	}
	lp, err := c.Link.LinkParams()
	if err != nil {
		return hme.Config{}, err
	}

	f := hme.Filter{Promisc: c.Filter.Promisc, AllMulti: c.Filter.AllMulti}
	for _, s := range c.Filter.Multicast {
		m, err := net.ParseMAC(s)
		if err != nil || len(m) != 6 || m[0]&1 == 0 {
			return hme.Config{}, fmt.Errorf("%w: multicast address %q", ErrInvalid, s)
		}
		f.Multicast = append(f.Multicast, m)
	}

	return hme.Config{
		Name:          d.Name,
		MAC:           mac,
		TxRingSize:    d.TxRing,
		RxRingSize:    d.RxRing,
		RxBuffers:     d.RxBuffers,
		MaxFragments:  d.MaxFragments,
		CopyThreshold: d.CopyThreshold,
		BurstSize:     d.Burst,
		Lance:         d.Lance,
		MIFMode:       mode,
		Link:          lp,
		Filter:        f,
		Tick:          d.Tick.Duration(),
		Order:         order,
		Log:           log,
	}, nil
}

// SimConfig converts the sim section. Line and callbacks are left for
// the caller.
func (c *Config) SimConfig() (sim.Config, error) {
	s := c.Sim
	out := sim.Config{
		Internal:     s.Internal,
		External:     s.External,
		Lucent:       s.Lucent,
		FrameLatency: s.FrameLatency,
		ERXParityBug: s.ERXParityBug,
		Partner:      sim.DefaultPartner(),
	}
	if c.Device.Order == "little" {
		out.Order = binary.LittleEndian
	} else {
		out.Order = binary.BigEndian
	}
	if s.FrameLatency < 0 {
		return sim.Config{}, fmt.Errorf("%w: frame latency %d", ErrInvalid, s.FrameLatency)
	}
	if p := s.Partner; p != nil {
		out.Partner = sim.Partner{
			Autoneg:          p.Autoneg,
			NegotiationPolls: p.NegotiationPolls,
			LinkPolls:        p.LinkPolls,
			StuckRestart:     p.StuckRestart,
			Unplugged:        p.Unplugged,
			Abilities:        mii.ANARSelector8023,
		}
		for _, ms := range p.Modes {
			m, err := sim.ParseLinkMode(ms)
			if err != nil {
				return sim.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
			}
			out.Partner.Forced = append(out.Partner.Forced, m)
			out.Partner.Abilities |= mii.ANARFor(m.Speed, m.Full)
		}
	}
	return out, nil
}
