// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads bus endpoints and process settings.
//
// A configuration file is a JSON object (comments allowed) or a YAML
// document. Every top-level key other than log, telemetry and tasks names a
// bus section:
//
//	{
//	  // the core bus
//	  "core": {"host": "0.0.0.0", "port": 8181, "route": "/core"},
//	  "gui":  {"port": 8181, "route": "/gui"},
//	  "log":  {"level": "debug"}
//	}
//
// Values are layered: defaults, the file, an optional profile overlay
// (messagebus.<profile>.conf next to the file), MESSAGEBUS_* environment
// variables and finally explicit key=value overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/tidwall/jsonc"

	"github.com/jllopis/messagebus/pkg/client"
	"github.com/jllopis/messagebus/pkg/errors"
)

// DefaultPath is where the bus configuration lives on a device.
const DefaultPath = "/etc/messagebus/messagebus.conf"

// DefaultSection is the bus section used when none is named.
const DefaultSection = "core"

// EnvPrefix prefixes environment overrides, e.g. MESSAGEBUS_LOG_LEVEL.
const EnvPrefix = "MESSAGEBUS_"

// BusConfig locates one bus endpoint.
type BusConfig = client.Config

// Config is the full process configuration.
type Config struct {
	Bus       map[string]BusConfig `koanf:"-" json:"bus" yaml:"bus"`
	Log       LogConfig            `koanf:"log" json:"log" yaml:"log"`
	Telemetry TelemetryConfig      `koanf:"telemetry" json:"telemetry" yaml:"telemetry"`
	Tasks     TasksConfig          `koanf:"tasks" json:"tasks" yaml:"tasks"`
}

type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level"`
	Format string `koanf:"format" json:"format" yaml:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter" json:"exporter" yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure" json:"otlp_insecure" yaml:"otlp_insecure"`
}

// TasksConfig feeds the task runner.
type TasksConfig struct {
	ProjectDir  string `koanf:"project_dir" json:"project_dir" yaml:"project_dir"`
	Profile     string `koanf:"profile" json:"profile" yaml:"profile"`
	ProjectName string `koanf:"project_name" json:"project_name" yaml:"project_name"`
	Python      string `koanf:"python" json:"python" yaml:"python"`
	Manifest    string `koanf:"manifest" json:"manifest" yaml:"manifest"`
}

var reservedKeys = map[string]bool{
	"log":       true,
	"telemetry": true,
	"tasks":     true,
}

// Section returns the named bus section.
func (c *Config) Section(name string) (BusConfig, error) {
	if name == "" {
		name = DefaultSection
	}
	bc, ok := c.Bus[name]
	if !ok {
		return BusConfig{}, errors.New(errors.CodeNotFound, "unknown bus section", nil).
			WithContext("section", name).
			WithContext("available", c.SectionNames())
	}
	return bc, nil
}

// SectionNames lists the bus sections in name order.
func (c *Config) SectionNames() []string {
	names := make([]string, 0, len(c.Bus))
	for name := range c.Bus {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads path (may be empty) on top of the defaults.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, "", nil)
}

// LoadWithProfile also merges the profile overlay of path when it exists.
// An empty or missing profile loads the base file only.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOverrides(path, profile, nil)
}

// LoadWithOverrides loads path and profile, then applies key=value overrides
// such as "core.port=9000". Values are parsed as JSON when possible and used
// as plain strings otherwise.
func LoadWithOverrides(path, profile string, sets []string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
		if overlay := ProfilePath(path, profile); overlay != "" {
			if _, err := os.Stat(overlay); err == nil {
				if err := loadFile(k, overlay); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeConfig, "failed to read environment", err)
	}

	for _, set := range sets {
		key, value, err := parseOverride(set)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeConfig, "invalid override", err).WithContext("override", set)
		}
	}

	return unmarshal(k)
}

// ProfilePath returns the overlay file for profile, e.g. messagebus.dev.conf
// for messagebus.conf. It returns "" when profile is empty.
func ProfilePath(path, profile string) string {
	if path == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(filepath.Dir(path), base+"."+profile+ext)
}

// ClientFromConfig builds a client for a bus section of the file at path.
// Empty arguments select the "core" section of DefaultPath.
func ClientFromConfig(section, path string, opts ...client.Option) (*client.Client, error) {
	if section == "" {
		section = DefaultSection
	}
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	bc, err := cfg.Section(section)
	if err != nil {
		return nil, err
	}
	return client.New(bc, opts...), nil
}

func setDefaults(k *koanf.Koanf) {
	def := client.DefaultConfig()
	k.Set("core.host", def.Host)
	k.Set("core.port", def.Port)
	k.Set("core.route", def.Route)
	k.Set("core.ssl", def.SSL)

	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)

	k.Set("tasks.project_dir", "")
	k.Set("tasks.profile", "default")
	k.Set("tasks.project_name", "messagebus_client")
	k.Set("tasks.python", "python3")
	k.Set("tasks.manifest", "requirements.txt")
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		parser = JSONC()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return errors.New(errors.CodeConfig, "failed to load config file", err).WithContext("path", path)
	}
	return nil
}

// envKey maps MESSAGEBUS_TASKS_PROJECT_DIR to tasks.project_dir: the first
// underscore separates the section from the field.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

func parseOverride(set string) (string, any, error) {
	key, raw, ok := strings.Cut(set, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, errors.New(errors.CodeInvalidInput, "override must be key=value", nil).
			WithContext("override", set)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return key, value, nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeConfig, "invalid configuration", err)
	}

	cfg.Bus = make(map[string]BusConfig)
	for name, v := range k.Raw() {
		if reservedKeys[name] {
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			continue
		}
		bc := client.DefaultConfig()
		if err := k.Unmarshal(name, &bc); err != nil {
			return nil, errors.New(errors.CodeConfig, "invalid bus section", err).WithContext("section", name)
		}
		cfg.Bus[name] = bc
	}
	return &cfg, nil
}

// jsoncParser accepts JSON with comments and trailing commas.
type jsoncParser struct {
	json *kjson.JSON
}

// JSONC returns a koanf parser for commented JSON.
func JSONC() koanf.Parser {
	return &jsoncParser{json: kjson.Parser()}
}

func (p *jsoncParser) Unmarshal(b []byte) (map[string]any, error) {
	return p.json.Unmarshal(jsonc.ToJSON(b))
}

func (p *jsoncParser) Marshal(o map[string]any) ([]byte, error) {
	return p.json.Marshal(o)
}
