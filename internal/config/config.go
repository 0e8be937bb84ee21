// Package config loads the TOML configuration file: a top-level table of
// proxy-wide settings plus one table per configured host, keyed by hostname.
//
// This follows the teacher's pattern (github.com/spf13/viper reading a TOML
// file with defaults registered before ReadInConfig) extended to decode the
// per-host tables, which viper sees as ordinary nested maps at the top
// level alongside the known global keys.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/hiberproxy/hiberproxy/internal/supervisor"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

// knownTopLevelKeys are the global settings; every other top-level table in
// the config file is assumed to be a host.
var knownTopLevelKeys = map[string]bool{
	"api_address":        true,
	"api_domain":         true,
	"database_url":       true,
	"default_page_limit": true,
	"max_page_limit":     true,
	"tls":                true,
}

// TLS holds the fields the core reads directly (enabled, certs_dir) plus the
// ACME-ordering fields it only parses and hands onward to the out-of-scope
// certificate-issuing collaborator.
type TLS struct {
	Enabled                 bool   `mapstructure:"enabled"`
	ACMEEmail               string `mapstructure:"acme_email"`
	Staging                 bool   `mapstructure:"staging"`
	CertsDir                string `mapstructure:"certs_dir"`
	RenewalDays             int    `mapstructure:"renewal_days"`
	RenewalCheckIntervalHrs int    `mapstructure:"renewal_check_interval_hours"`
	OrderPollIntervalSecs   int    `mapstructure:"order_poll_interval_secs"`
	OrderPollMaxRetries     int    `mapstructure:"order_poll_max_retries"`
	CertPollIntervalSecs    int    `mapstructure:"cert_poll_interval_secs"`
	CertPollMaxRetries      int    `mapstructure:"cert_poll_max_retries"`
}

// Config is the fully parsed, defaulted, validated configuration file.
type Config struct {
	APIAddress       string `mapstructure:"api_address"`
	APIDomain        string `mapstructure:"api_domain"`
	DatabaseURL      string `mapstructure:"database_url"`
	DefaultPageLimit int    `mapstructure:"default_page_limit"`
	MaxPageLimit     int    `mapstructure:"max_page_limit"`
	TLS              TLS

	Hosts map[string]*HostConfig
}

// HostConfig is the static, immutable-after-load part of a host record.
type HostConfig struct {
	Name string

	Address         string
	HealthCheckPath string

	// Start/Stop are resolved from the `command` field, either a bare string
	// (start only) or a {start, end} table. Stop == nil means "kill the
	// process we spawned".
	Start supervisor.CommandSpec
	Stop  *supervisor.CommandSpec

	WaitPeriod   time.Duration
	StartTimeout time.Duration
	StopTimeout  time.Duration

	HealthCheckInitialBackoffMs int
	HealthCheckMaxBackoffSecs   int

	ColdStartPage     bool
	ColdStartPagePath string
	ColdStartPageHTML string // loaded from ColdStartPagePath at load time, if set

	AdaptiveWait   bool
	MinWaitPeriod  time.Duration
	MaxWaitPeriod  time.Duration
	LowReqPerHour  float64
	HighReqPerHour float64

	// AlsoWarm lists additional hosts to start alongside this one,
	// supplementing the distilled spec with a feature present in
	// original_source/src/config.rs that the distillation dropped.
	AlsoWarm []string

	// Env/Dir extend the spawned process's environment and working
	// directory, supplementing the distilled spec per SPEC_FULL.md §3.
	Env []string
	Dir string
}

const (
	defaultWaitPeriod              = 10 * time.Minute
	defaultStartTimeout             = 30 * time.Second
	defaultStopTimeout              = 30 * time.Second
	defaultHealthCheckInitialBackMs = 10
	defaultHealthCheckMaxBackSecs   = 2
	defaultMinWaitPeriod            = 5 * time.Minute
	defaultMaxWaitPeriod            = 30 * time.Minute
	defaultLowReqPerHour            = 12.0
	defaultHighReqPerHour           = 300.0
	defaultDatabaseURL              = "sqlite://penny.db"
	defaultPageLimit                = 20
	defaultMaxPageLimit             = 100
)

// keyDelim separates nesting levels in viper lookups. Host tables are keyed
// by hostname, which itself contains literal dots ("app.example.com"), so
// viper's default "." delimiter cannot be used for nested lookups without
// also splitting hostnames apart.
const keyDelim = "::"

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("database_url", defaultDatabaseURL)
	v.SetDefault("default_page_limit", defaultPageLimit)
	v.SetDefault("max_page_limit", defaultMaxPageLimit)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := &Config{
		APIAddress:       v.GetString("api_address"),
		APIDomain:        v.GetString("api_domain"),
		DatabaseURL:      v.GetString("database_url"),
		DefaultPageLimit: v.GetInt("default_page_limit"),
		MaxPageLimit:     v.GetInt("max_page_limit"),
		Hosts:            map[string]*HostConfig{},
	}

	if v.IsSet("tls") {
		if err := v.UnmarshalKey("tls", &cfg.TLS); err != nil {
			return nil, fmt.Errorf("config: invalid [tls] section: %w", err)
		}
		applyTLSDefaults(&cfg.TLS)
	}

	for _, key := range v.AllKeys() {
		// AllKeys returns leaf paths joined by keyDelim, like
		// "app.example.com::address";
		// we only want the top-level table names here.
		top := topLevelOf(key)
		if knownTopLevelKeys[top] {
			continue
		}
		if _, ok := cfg.Hosts[top]; ok {
			continue
		}
		host, err := parseHost(top, v.Sub(top))
		if err != nil {
			return nil, fmt.Errorf("config: host %q: %w", top, err)
		}
		cfg.Hosts[top] = host
	}

	logger.Info("config: loaded %d host(s) from %s", len(cfg.Hosts), path)
	return cfg, nil
}

func applyTLSDefaults(t *TLS) {
	if t.CertsDir == "" {
		t.CertsDir = "certs"
	}
	if t.RenewalDays == 0 {
		t.RenewalDays = 30
	}
	if t.RenewalCheckIntervalHrs == 0 {
		t.RenewalCheckIntervalHrs = 12
	}
	if t.OrderPollIntervalSecs == 0 {
		t.OrderPollIntervalSecs = 5
	}
	if t.OrderPollMaxRetries == 0 {
		t.OrderPollMaxRetries = 30
	}
	if t.CertPollIntervalSecs == 0 {
		t.CertPollIntervalSecs = 5
	}
	if t.CertPollMaxRetries == 0 {
		t.CertPollMaxRetries = 30
	}
}

func topLevelOf(key string) string {
	if i := indexOf(key, keyDelim); i >= 0 {
		return key[:i]
	}
	return key
}

func indexOf(s, sep string) int {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

func parseHost(name string, v *viper.Viper) (*HostConfig, error) {
	if v == nil {
		return nil, fmt.Errorf("empty host table")
	}

	h := &HostConfig{
		Name:                        name,
		Address:                     v.GetString("address"),
		HealthCheckPath:             v.GetString("health_check"),
		HealthCheckInitialBackoffMs: defaultHealthCheckInitialBackMs,
		HealthCheckMaxBackoffSecs:   defaultHealthCheckMaxBackSecs,
		WaitPeriod:                  defaultWaitPeriod,
		StartTimeout:                defaultStartTimeout,
		StopTimeout:                 defaultStopTimeout,
		MinWaitPeriod:               defaultMinWaitPeriod,
		MaxWaitPeriod:               defaultMaxWaitPeriod,
		LowReqPerHour:               defaultLowReqPerHour,
		HighReqPerHour:              defaultHighReqPerHour,
		ColdStartPage:               v.GetBool("cold_start_page"),
		ColdStartPagePath:           v.GetString("cold_start_page_path"),
		AdaptiveWait:                v.GetBool("adaptive_wait"),
		AlsoWarm:                    v.GetStringSlice("also_warm"),
		Env:                         v.GetStringSlice("env"),
		Dir:                         v.GetString("dir"),
	}

	if h.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	for field, dst := range map[string]*time.Duration{
		"wait_period":     &h.WaitPeriod,
		"start_timeout":   &h.StartTimeout,
		"stop_timeout":    &h.StopTimeout,
		"min_wait_period": &h.MinWaitPeriod,
		"max_wait_period": &h.MaxWaitPeriod,
	} {
		if raw := v.GetString(field); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", field, err)
			}
			*dst = parsed
		}
	}

	if v.IsSet("health_check_initial_backoff_ms") {
		h.HealthCheckInitialBackoffMs = v.GetInt("health_check_initial_backoff_ms")
	}
	if v.IsSet("health_check_max_backoff_secs") {
		h.HealthCheckMaxBackoffSecs = v.GetInt("health_check_max_backoff_secs")
	}
	if v.IsSet("low_req_per_hour") {
		h.LowReqPerHour = v.GetFloat64("low_req_per_hour")
	}
	if v.IsSet("high_req_per_hour") {
		h.HighReqPerHour = v.GetFloat64("high_req_per_hour")
	}

	start, stop, err := resolveCommand(v)
	if err != nil {
		return nil, err
	}
	start.Env, start.Dir = h.Env, h.Dir
	if stop != nil {
		stop.Env, stop.Dir = h.Env, h.Dir
	}
	h.Start = start
	h.Stop = stop

	if h.ColdStartPagePath != "" {
		data, err := os.ReadFile(h.ColdStartPagePath)
		if err != nil {
			return nil, fmt.Errorf("cold_start_page_path: %w", err)
		}
		h.ColdStartPageHTML = string(data)
		h.ColdStartPage = true
	}

	return h, nil
}

// resolveCommand decodes the `command` field, which is either a single
// string ("start only") or a table {start, end}.
func resolveCommand(v *viper.Viper) (start supervisor.CommandSpec, stop *supervisor.CommandSpec, err error) {
	raw := v.Get("command")
	switch val := raw.(type) {
	case string:
		start, err = supervisor.ParseCommand(val)
		return start, nil, err
	case map[string]interface{}:
		startLine, _ := val["start"].(string)
		if startLine == "" {
			return start, nil, fmt.Errorf("command.start is required")
		}
		start, err = supervisor.ParseCommand(startLine)
		if err != nil {
			return start, nil, fmt.Errorf("command.start: %w", err)
		}
		if endLine, ok := val["end"].(string); ok && endLine != "" {
			endSpec, err := supervisor.ParseCommand(endLine)
			if err != nil {
				return start, nil, fmt.Errorf("command.end: %w", err)
			}
			stop = &endSpec
		}
		return start, stop, nil
	default:
		return start, nil, fmt.Errorf("command must be a string or a {start, end} table")
	}
}
