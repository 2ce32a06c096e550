package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	iif "github.com/ehrlich-b/go-iif"
)

// config controls a stress run. It is read from an optional TOML file and
// then overridden by any flag given on the command line.
type config struct {
	Workers     int           `toml:"workers"`
	Cycles      int           `toml:"cycles"` // per worker; 0 runs until Duration
	Duration    time.Duration `toml:"duration"`
	FencesPerIP int           `toml:"fences_per_ip"`
	Signalers   int           `toml:"signalers"`
	Waiters     int           `toml:"waiters"`
	MaxHandles  int           `toml:"max_handles"`
	CancelPct   int           `toml:"cancel_pct"` // share of cycles whose waiters give up
	Report      string        `toml:"report"`     // JSON report path, "-" for stdout
	MetricsAddr string        `toml:"metrics_addr"`
	LogFormat   string        `toml:"log_format"`
	Verbose     bool          `toml:"verbose"`
}

func defaultConfig() config {
	return config{
		Workers:     8,
		Cycles:      10000,
		FencesPerIP: 64,
		Signalers:   4,
		Waiters:     2,
		MaxHandles:  iif.DefaultMaxHandles,
		CancelPct:   5,
		LogFormat:   "text",
	}
}

// loadConfig parses args: defaults, then the --config file, then flags
func loadConfig(args []string) (config, error) {
	cfg := defaultConfig()
	def := defaultConfig()

	fs := pflag.NewFlagSet("iif-stress", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "TOML config file")
	workers := fs.IntP("workers", "w", def.Workers, "Concurrent pipeline workers")
	cycles := fs.IntP("cycles", "n", def.Cycles, "Fence cycles per worker (0 = until --duration)")
	duration := fs.DurationP("duration", "d", def.Duration, "Stop after this long (0 = no limit)")
	perIP := fs.Int("fences-per-ip", def.FencesPerIP, "Fence ID partition size per IP")
	signalers := fs.IntP("signalers", "s", def.Signalers, "Signalers per fence")
	waiters := fs.Int("waiters", def.Waiters, "Waiter IPs per fence")
	maxHandles := fs.Int("max-handles", def.MaxHandles, "Open pollable handle limit")
	cancelPct := fs.Int("cancel-pct", def.CancelPct, "Percent of cycles whose waiters time out")
	report := fs.StringP("report", "o", def.Report, "Write a JSON report to this path (- for stdout)")
	metricsAddr := fs.String("metrics-addr", def.MetricsAddr, "Serve Prometheus metrics on this address")
	logFormat := fs.String("log-format", def.LogFormat, "Log format: text or json")
	verbose := fs.BoolP("verbose", "v", def.Verbose, "Verbose output")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *path != "" {
		if _, err := toml.DecodeFile(*path, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", *path, err)
		}
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("workers", func() { cfg.Workers = *workers })
	set("cycles", func() { cfg.Cycles = *cycles })
	set("duration", func() { cfg.Duration = *duration })
	set("fences-per-ip", func() { cfg.FencesPerIP = *perIP })
	set("signalers", func() { cfg.Signalers = *signalers })
	set("waiters", func() { cfg.Waiters = *waiters })
	set("max-handles", func() { cfg.MaxHandles = *maxHandles })
	set("cancel-pct", func() { cfg.CancelPct = *cancelPct })
	set("report", func() { cfg.Report = *report })
	set("metrics-addr", func() { cfg.MetricsAddr = *metricsAddr })
	set("log-format", func() { cfg.LogFormat = *logFormat })
	set("verbose", func() { cfg.Verbose = *verbose })

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.Cycles < 0:
		return fmt.Errorf("cycles must not be negative, got %d", c.Cycles)
	case c.Cycles == 0 && c.Duration <= 0:
		return fmt.Errorf("either cycles or duration must be set")
	case c.Signalers < 1:
		return fmt.Errorf("signalers must be positive, got %d", c.Signalers)
	case c.Waiters < 0 || c.Waiters > int(iif.NumIPs):
		return fmt.Errorf("waiters must be in [0, %d], got %d", iif.NumIPs, c.Waiters)
	case c.CancelPct < 0 || c.CancelPct > 100:
		return fmt.Errorf("cancel-pct must be in [0, 100], got %d", c.CancelPct)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
