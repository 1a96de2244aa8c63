package main

import (
	"flag"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// serveConfig holds the resolved settings of the serve command.
type serveConfig struct {
	Addr            string
	MaxFieldLen     int
	BufferSize      int
	MaxQueue        int
	StrictUTF8      bool
	RequireSender   bool
	LogLevel        string
	MetricsInterval time.Duration
}

// config.toml key mapping to serve settings.
type fileConfig struct {
	Addr            string `toml:"addr"`
	MaxFieldLen     int    `toml:"max_field_len"`
	BufferSize      int    `toml:"buffer_size"`
	MaxQueue        int    `toml:"max_queue"`
	StrictUTF8      bool   `toml:"strict_utf8"`
	RequireSender   bool   `toml:"require_sender"`
	LogLevel        string `toml:"log_level"`
	MetricsInterval string `toml:"metrics_interval"`
}

// loadConfigFile overlays the keys defined in the TOML file at path onto cfg.
func loadConfigFile(path string, cfg *serveConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if undec := meta.Undecoded(); len(undec) != 0 {
		return errors.Errorf("load config: unknown key %q", undec[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("max_field_len") {
		cfg.MaxFieldLen = raw.MaxFieldLen
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("max_queue") {
		cfg.MaxQueue = raw.MaxQueue
	}
	if meta.IsDefined("strict_utf8") {
		cfg.StrictUTF8 = raw.StrictUTF8
	}
	if meta.IsDefined("require_sender") {
		cfg.RequireSender = raw.RequireSender
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MetricsInterval))
		if err != nil {
			return errors.Wrap(err, "load config: metrics_interval")
		}
		cfg.MetricsInterval = d
	}
	return nil
}

// resolveServeConfig combines flag defaults, the config file, and flags set
// on the command line, in increasing order of precedence.
func resolveServeConfig(flags serveFlagValues, fs *flag.FlagSet) (serveConfig, error) {
	cfg := flags.config()
	if flags.Config == "" {
		return cfg, nil
	}

	fromFile := cfg
	if err := loadConfigFile(flags.Config, &fromFile); err != nil {
		return serveConfig{}, err
	}

	explicit := make(map[string]bool)
	if fs != nil {
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	}
	keep := func(name string) bool { return explicit[name] }

	if !keep("addr") {
		cfg.Addr = fromFile.Addr
	}
	if !keep("max-field-len") {
		cfg.MaxFieldLen = fromFile.MaxFieldLen
	}
	if !keep("buffer-size") {
		cfg.BufferSize = fromFile.BufferSize
	}
	if !keep("max-queue") {
		cfg.MaxQueue = fromFile.MaxQueue
	}
	if !keep("strict-utf8") {
		cfg.StrictUTF8 = fromFile.StrictUTF8
	}
	if !keep("require-sender") {
		cfg.RequireSender = fromFile.RequireSender
	}
	if !keep("log-level") {
		cfg.LogLevel = fromFile.LogLevel
	}
	if !keep("metrics-interval") {
		cfg.MetricsInterval = fromFile.MetricsInterval
	}
	return cfg, nil
}
