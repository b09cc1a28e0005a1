// Package config builds the runtime configuration from defaults, an
// optional JSON file (-c/-config) and command-line flags, in that order.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"securechat/internal/flagx"
	"securechat/internal/timex"
)

const (
	EnvPassphrase = "SECURECHAT_PASSPHRASE"
	DefaultDir    = ".securechat"
)

type Config struct {
	Home           string
	ListenAddr     string
	MulticastAddr  string
	BeaconInterval time.Duration
	PeerTTL        time.Duration
	InviteTimeout  time.Duration
	CheckTimeout   time.Duration
	APIAddr        string
	Debug          bool
	DevTLS         bool
}

// JsonConfig is the file form of Config. Durations accept "2s" or
// nanoseconds.
type JsonConfig struct {
	Home           string         `json:"home"`
	ListenAddr     string         `json:"listen_addr"`
	MulticastAddr  string         `json:"multicast_addr"`
	BeaconInterval timex.Duration `json:"beacon_interval"`
	PeerTTL        timex.Duration `json:"peer_ttl"`
	InviteTimeout  timex.Duration `json:"invite_timeout"`
	CheckTimeout   timex.Duration `json:"check_timeout"`
	APIAddr        string         `json:"api_addr"`
	Debug          *bool          `json:"debug"`
	DevTLS         *bool          `json:"dev_tls"`
}

func (c *Config) LoadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	c.Home = filepath.Join(home, DefaultDir)
	c.ListenAddr = ":0"
	c.MulticastAddr = "239.255.42.99:9999"
	c.BeaconInterval = 2 * time.Second
	c.PeerTTL = 6 * time.Second
	c.InviteTimeout = 10 * time.Second
	c.CheckTimeout = time.Second
	c.APIAddr = ""
	c.Debug = false
	c.DevTLS = true
}

// Load applies defaults, then the JSON file named by -c/-config, then the
// flags in args.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path := flagx.JSONConfigPath(args); path != "" {
		if err := parseJSON(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var c JsonConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	setString(&cfg.Home, c.Home)
	setString(&cfg.ListenAddr, c.ListenAddr)
	setString(&cfg.MulticastAddr, c.MulticastAddr)
	setString(&cfg.APIAddr, c.APIAddr)
	setDuration(&cfg.BeaconInterval, c.BeaconInterval)
	setDuration(&cfg.PeerTTL, c.PeerTTL)
	setDuration(&cfg.InviteTimeout, c.InviteTimeout)
	setDuration(&cfg.CheckTimeout, c.CheckTimeout)
	if c.Debug != nil {
		cfg.Debug = *c.Debug
	}
	if c.DevTLS != nil {
		cfg.DevTLS = *c.DevTLS
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

var flagNames = []string{
	"-home", "-listen", "-mcast", "-beacon", "-peer-ttl",
	"-invite-timeout", "-check-timeout", "-api", "-debug", "-devtls",
}

// FlagNames lists the flags Load understands, for callers that share a
// command line with it.
func FlagNames() []string {
	out := make([]string, 0, 2*len(flagNames)+4)
	for _, f := range flagNames {
		out = append(out, f, "-"+f)
	}
	return append(out, "-c", "-config", "--c", "--config")
}

func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Home, "home", cfg.Home, "state directory")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "QUIC listen address")
	fs.StringVar(&cfg.MulticastAddr, "mcast", cfg.MulticastAddr, "discovery multicast group")
	fs.DurationVar(&cfg.BeaconInterval, "beacon", cfg.BeaconInterval, "discovery beacon interval")
	fs.DurationVar(&cfg.PeerTTL, "peer-ttl", cfg.PeerTTL, "forget silent peers after")
	fs.DurationVar(&cfg.InviteTimeout, "invite-timeout", cfg.InviteTimeout, "session invitation timeout")
	fs.DurationVar(&cfg.CheckTimeout, "check-timeout", cfg.CheckTimeout, "email uniqueness check deadline")
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "local HTTP API address (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	fs.BoolVar(&cfg.DevTLS, "devtls", cfg.DevTLS, "verify peers against the bundled dev certificate")
	var ignored string
	fs.StringVar(&ignored, "c", "", "config file")
	fs.StringVar(&ignored, "config", "", "config file")
	return fs.Parse(flagx.FilterArgs(args, FlagNames()))
}

func (c *Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home must not be empty"))
	}
	if c.BeaconInterval <= 0 {
		errs = append(errs, errors.New("beacon interval must be positive"))
	}
	if c.PeerTTL < c.BeaconInterval {
		errs = append(errs, errors.New("peer ttl must be at least one beacon interval"))
	}
	if c.InviteTimeout <= 0 {
		errs = append(errs, errors.New("invite timeout must be positive"))
	}
	if c.CheckTimeout <= 0 {
		errs = append(errs, errors.New("check timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Home, "securechat.db")
}

func (c *Config) MetricsPath() string {
	return filepath.Join(c.Home, "metrics.json")
}
