// Package config loads tiervm settings from a TOML file with TIERVM_*
// environment overrides and turns them into engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/engine"
	"github.com/colorfulnotion/tiervm/interp"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/xyproto/env/v2"
)

// Duration is a time.Duration written as "250ms" or "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type HotspotConfig struct {
	Alpha              float64  `toml:"alpha"`
	DecayInterval      Duration `toml:"decay-interval"`
	BaselineThreshold  float64  `toml:"baseline-threshold"`
	OptimizedThreshold float64  `toml:"optimized-threshold"`
	ColdThreshold      float64  `toml:"cold-threshold"`
	ColdWindow         Duration `toml:"cold-window"`
	Capacity           int      `toml:"capacity"`
	SweepInterval      Duration `toml:"sweep-interval"`
	HintBoost          float64  `toml:"hint-boost"`
}

type CacheConfig struct {
	MaxBlocks   int   `toml:"max-blocks"`
	MaxBytes    int64 `toml:"max-bytes"`
	ArenaBudget int64 `toml:"arena-budget"`
	ExecArena   bool  `toml:"exec-arena"`
}

type CompilerConfig struct {
	Async   bool     `toml:"async"`
	Workers int      `toml:"workers"`
	Queue   int      `toml:"queue"`
	Passes  []string `toml:"passes"`
	History int      `toml:"history"`
}

type InterpConfig struct {
	DivZeroTraps bool   `toml:"div-zero-traps"`
	SampleEvery  uint32 `toml:"sample-every"`
	MaxBlockOps  int    `toml:"max-block-ops"`
	StepLimit    uint64 `toml:"step-limit"`
}

type AOTConfig struct {
	// Backend is "leveldb", "pebble" or "memory"; "off" disables hints.
	Backend       string   `toml:"backend"`
	Path          string   `toml:"path"`
	FlushInterval Duration `toml:"flush-interval"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	Modules string `toml:"modules"`
}

type TelemetryConfig struct {
	MetricsAddr  string `toml:"metrics-addr"`
	OTLPEndpoint string `toml:"otlp-endpoint"`
	Insecure     bool   `toml:"insecure"`
	Service      string `toml:"service"`
}

type Config struct {
	Hotspot   HotspotConfig   `toml:"hotspot"`
	Cache     CacheConfig     `toml:"cache"`
	Compiler  CompilerConfig  `toml:"compiler"`
	Interp    InterpConfig    `toml:"interp"`
	AOT       AOTConfig       `toml:"aot"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

func Default() *Config {
	e := engine.DefaultConfig()
	h := e.Hotspot
	return &Config{
		Hotspot: HotspotConfig{
			Alpha:              h.Alpha,
			DecayInterval:      Duration{h.DecayInterval},
			BaselineThreshold:  h.BaselineThreshold,
			OptimizedThreshold: h.OptimizedThreshold,
			ColdThreshold:      h.ColdThreshold,
			ColdWindow:         Duration{h.ColdWindow},
			Capacity:           h.Capacity,
			SweepInterval:      Duration{e.SweepInterval},
			HintBoost:          e.HintBoost,
		},
		Cache: CacheConfig{
			MaxBlocks:   e.Cache.MaxBlocks,
			MaxBytes:    e.Cache.MaxBytes,
			ArenaBudget: e.ArenaBudget,
		},
		Compiler: CompilerConfig{
			Async:   e.AsyncCompile,
			Workers: e.CompileWorkers,
			Queue:   e.CompileQueue,
			Passes:  []string{"constfold", "cse", "constfold", "dce", "schedule"},
			History: e.Compiler.HistorySize,
		},
		Interp: InterpConfig{
			SampleEvery: 1,
			MaxBlockOps: 64,
		},
		AOT: AOTConfig{
			Backend:       "leveldb",
			FlushInterval: Duration{aot.DefaultOptions().FlushInterval},
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Service: "tiervm", Insecure: true},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("%s: unknown key %s", path, undec[0])
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type override struct {
	name  string
	apply func(c *Config, v string) error
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst(c) = f
		}
		return err
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst(c) = n
		}
		return err
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst(c) = b
		}
		return err
	}
}

func strVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

var overrides = []override{
	{"TIERVM_BASELINE_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Hotspot.BaselineThreshold })},
	{"TIERVM_OPTIMIZED_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Hotspot.OptimizedThreshold })},
	{"TIERVM_COLD_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Hotspot.ColdThreshold })},
	{"TIERVM_HINT_BOOST", floatVar(func(c *Config) *float64 { return &c.Hotspot.HintBoost })},
	{"TIERVM_CACHE_MAX_BLOCKS", intVar(func(c *Config) *int { return &c.Cache.MaxBlocks })},
	{"TIERVM_CACHE_MAX_BYTES", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 0, 64)
		if err == nil {
			c.Cache.MaxBytes = n
		}
		return err
	}},
	{"TIERVM_ASYNC_COMPILE", boolVar(func(c *Config) *bool { return &c.Compiler.Async })},
	{"TIERVM_COMPILE_WORKERS", intVar(func(c *Config) *int { return &c.Compiler.Workers })},
	{"TIERVM_DIV_ZERO_TRAPS", boolVar(func(c *Config) *bool { return &c.Interp.DivZeroTraps })},
	{"TIERVM_AOT_BACKEND", strVar(func(c *Config) *string { return &c.AOT.Backend })},
	{"TIERVM_AOT_PATH", strVar(func(c *Config) *string { return &c.AOT.Path })},
	{"TIERVM_LOG_LEVEL", strVar(func(c *Config) *string { return &c.Log.Level })},
	{"TIERVM_LOG_MODULES", strVar(func(c *Config) *string { return &c.Log.Modules })},
	{"TIERVM_METRICS_ADDR", strVar(func(c *Config) *string { return &c.Telemetry.MetricsAddr })},
	{"TIERVM_OTLP_ENDPOINT", strVar(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
}

// ApplyEnv overrides settings from set TIERVM_* variables.
func (c *Config) ApplyEnv() error {
	for _, o := range overrides {
		v := env.Str(o.name)
		if v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("%s=%q: %w", o.name, v, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	h := c.Hotspot
	if h.Alpha < 0 || h.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("hotspot.alpha %v not in [0, 1)", h.Alpha))
	}
	if h.BaselineThreshold <= 0 {
		errs = append(errs, errors.New("hotspot.baseline-threshold must be positive"))
	}
	if h.OptimizedThreshold < h.BaselineThreshold {
		errs = append(errs, errors.New("hotspot.optimized-threshold is below the baseline threshold"))
	}
	if h.ColdThreshold < 0 || h.ColdThreshold >= h.BaselineThreshold {
		errs = append(errs, errors.New("hotspot.cold-threshold must sit below the baseline threshold"))
	}
	if c.Compiler.Async && c.Compiler.Workers <= 0 {
		errs = append(errs, errors.New("compiler.workers must be positive in async mode"))
	}
	for _, name := range c.Compiler.Passes {
		if _, ok := jit.PassByName(name); !ok {
			errs = append(errs, fmt.Errorf("compiler.passes: unknown pass %q", name))
		}
	}
	switch c.AOT.Backend {
	case "", "off", "leveldb", "pebble", "memory":
	default:
		errs = append(errs, fmt.Errorf("aot.backend: unknown backend %q", c.AOT.Backend))
	}
	return errors.Join(errs...)
}

// Engine converts c into engine configuration.
func (c *Config) Engine() engine.Config {
	e := engine.DefaultConfig()
	e.Hotspot.Alpha = c.Hotspot.Alpha
	e.Hotspot.DecayInterval = c.Hotspot.DecayInterval.Duration
	e.Hotspot.BaselineThreshold = c.Hotspot.BaselineThreshold
	e.Hotspot.OptimizedThreshold = c.Hotspot.OptimizedThreshold
	e.Hotspot.ColdThreshold = c.Hotspot.ColdThreshold
	e.Hotspot.ColdWindow = c.Hotspot.ColdWindow.Duration
	e.Hotspot.Capacity = c.Hotspot.Capacity
	e.SweepInterval = c.Hotspot.SweepInterval.Duration
	e.HintBoost = c.Hotspot.HintBoost

	e.Cache = codecache.DefaultConfig()
	e.Cache.MaxBlocks = c.Cache.MaxBlocks
	e.Cache.MaxBytes = c.Cache.MaxBytes
	e.ArenaBudget = c.Cache.ArenaBudget
	e.ExecArena = c.Cache.ExecArena

	e.AsyncCompile = c.Compiler.Async
	e.CompileWorkers = c.Compiler.Workers
	e.CompileQueue = c.Compiler.Queue
	e.Compiler.HistorySize = c.Compiler.History
	e.Compiler.Passes = make([]jit.Pass, 0, len(c.Compiler.Passes))
	for _, name := range c.Compiler.Passes {
		if p, ok := jit.PassByName(name); ok {
			e.Compiler.Passes = append(e.Compiler.Passes, p)
		}
	}

	e.Interp = interp.Config{
		Semantics:   interp.Semantics{DivZeroTraps: c.Interp.DivZeroTraps},
		SampleEvery: c.Interp.SampleEvery,
	}
	e.StepLimit = c.Interp.StepLimit
	return e
}

// AOTOptions returns the hint store options.
func (c *Config) AOTOptions() aot.Options {
	o := aot.DefaultOptions()
	if c.AOT.FlushInterval.Duration > 0 {
		o.FlushInterval = c.AOT.FlushInterval.Duration
	}
	return o
}
