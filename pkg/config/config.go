// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/interpose/pkg/filter"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the interpose agent.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"INTERPOSE_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"INTERPOSE_LOG_LEVEL"`
	Hook        HookConfig      `yaml:"hook"`
	Filter      FilterConfig    `yaml:"filter"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Admin       AdminConfig     `yaml:"admin"`
}

// HookConfig describes the table to patch and the entry to intercept.
type HookConfig struct {
	Table        TableConfig    `yaml:"table"`
	Entry        string         `yaml:"entry"`         // decimal index or well-known name
	EntryNumbers map[string]int `yaml:"entry_numbers"` // extends the built-in name map
	Teardown     TeardownConfig `yaml:"teardown"`
}

// TableConfig locates the dispatch table. A non-zero Address skips symbol
// resolution entirely.
type TableConfig struct {
	Address  uint64 `yaml:"address"`  // explicit base override (0 = unset)
	Symbol   string `yaml:"symbol"`   // symbol yielding the base address
	Resolver string `yaml:"resolver"` // "static" or "kallsyms"
	Length   int    `yaml:"length"`   // slot count
}

// TeardownConfig controls shutdown behavior.
type TeardownConfig struct {
	// ForceOnExit overwrites the slot with the saved original even when a
	// foreign patch is detected, so unload always completes.
	ForceOnExit bool          `yaml:"force_on_exit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// FilterConfig configures content filtering of intercepted reads.
type FilterConfig struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []FilterRule `yaml:"rules"`
}

// FilterRule is a literal substitution pair. Replacement must be exactly
// as long as Pattern; a violating rule set rejects the whole config at
// load time.
type FilterRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// AdminConfig configures the admin/health HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"INTERPOSE_ADMIN_ADDR"` // e.g. ":8699"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults. The
// default filter rules mirror the classic demo pair; both satisfy the
// equal-length invariant.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "interpose",
		LogLevel:    "info",
		Hook: HookConfig{
			Table: TableConfig{
				Symbol:   "sys_call_table",
				Resolver: "static",
				Length:   512,
			},
			Entry: "read",
			Teardown: TeardownConfig{
				ForceOnExit: true,
				Timeout:     30 * time.Second,
			},
		},
		Filter: FilterConfig{
			Enabled: true,
			Rules: []FilterRule{
				{Name: "user", Pattern: "secret_user", Replacement: "maxwelltran"},
				{Name: "password", Pattern: "secret_password", Replacement: "acde$2a2Ak#@!33"},
			},
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":8699",
		},
	}
}

// ApplyEnvOverrides reads INTERPOSE_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"INTERPOSE_SERVICE_NAME":  func(v string) { c.ServiceName = v },
		"INTERPOSE_LOG_LEVEL":     func(v string) { c.LogLevel = v },
		"INTERPOSE_ADMIN_ADDR":    func(v string) { c.Admin.Addr = v },
		"INTERPOSE_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"INTERPOSE_TABLE_SYMBOL":  func(v string) { c.Hook.Table.Symbol = v },
		"INTERPOSE_HOOK_ENTRY":    func(v string) { c.Hook.Entry = v },
		"INTERPOSE_TABLE_ADDRESS": func(v string) {
			if addr, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64); err == nil {
				c.Hook.Table.Address = addr
			}
		},
	}

	boolOverrides := map[string]*bool{
		"INTERPOSE_FILTER_ENABLED": &c.Filter.Enabled,
		"INTERPOSE_ADMIN_ENABLED":  &c.Admin.Enabled,
		"INTERPOSE_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"INTERPOSE_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"INTERPOSE_TEARDOWN_FORCE": &c.Hook.Teardown.ForceOnExit,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// FilterRules converts the configured rules to the filter engine's form.
// Returns nil when filtering is disabled.
func (c *Config) FilterRules() []filter.Rule {
	if !c.Filter.Enabled {
		return nil
	}
	rules := make([]filter.Rule, 0, len(c.Filter.Rules))
	for _, r := range c.Filter.Rules {
		rules = append(rules, filter.Rule{
			ID:          r.Name,
			Pattern:     []byte(r.Pattern),
			Replacement: []byte(r.Replacement),
		})
	}
	return rules
}

// Validate checks the configuration for errors. A filter rule violating
// the equal-length invariant rejects the whole configuration — never
// deferred to scan time, never silently skipped.
func (c *Config) Validate() error {
	if c.Hook.Table.Length <= 0 {
		return fmt.Errorf("hook.table.length must be positive")
	}
	if c.Hook.Table.Address == 0 && c.Hook.Table.Symbol == "" {
		return fmt.Errorf("hook.table requires either address or symbol")
	}
	switch c.Hook.Table.Resolver {
	case "", "static", "kallsyms":
	default:
		return fmt.Errorf("hook.table.resolver must be 'static' or 'kallsyms', got %q", c.Hook.Table.Resolver)
	}
	if c.Hook.Entry == "" {
		return fmt.Errorf("hook.entry is required")
	}
	if c.Hook.Teardown.Timeout <= 0 {
		return fmt.Errorf("hook.teardown.timeout must be positive")
	}

	if c.Filter.Enabled {
		if _, err := filter.Compile(c.FilterRules()); err != nil {
			return err
		}
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	if f := c.Exporters.Stdout.Format; c.Exporters.Stdout.Enabled && f != "" && f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}

	return nil
}
