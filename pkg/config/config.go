// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath  = "CAMBIADOR_CONFIG"
	EnvEnvironment = "CAMBIADOR_CONFIGURATION"
	EnvSourceDSN   = "CAMBIADOR_SOURCE_DSN"
	EnvRunsDB      = "CAMBIADOR_RUNS_DB"

	// DevelopmentEnvironment disables every write to the change detection
	// table.
	DevelopmentEnvironment = "Development"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	State     StateConfig     `yaml:"state"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Hasher    HasherConfig    `yaml:"hasher"`
	Server    ServerConfig    `yaml:"server"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Runs      RunsConfig      `yaml:"runs"`

	DebugMode bool `yaml:"debug_mode"`

	// Environment is read from CAMBIADOR_CONFIGURATION, never from yaml.
	Environment string `yaml:"-"`
}

type SourceConfig struct {
	DSN string `yaml:"dsn"`
}

type PostgresConfig struct {
	StatementTimeout  int `yaml:"statement_timeout"`  // ms
	ConnectionTimeout int `yaml:"connection_timeout"` // s
}

type StateConfig struct {
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

type DiscoveryConfig struct {
	RegistryTable    string   `yaml:"registry_table"`
	ReservedPrefixes []string `yaml:"reserved_prefixes"`
	TempSuffix       *string  `yaml:"temp_suffix"`
	SkipFields       []string `yaml:"skip_fields"`
	StaticSchemas    []string `yaml:"static_schemas"`
	SkipTables       []string `yaml:"skip_tables"`
}

// Suffix returns the temp table suffix. An explicit empty value in the
// config file disables the filter.
func (d DiscoveryConfig) Suffix() string {
	if d.TempSuffix == nil {
		return ""
	}
	return *d.TempSuffix
}

type HasherConfig struct {
	RowIDColumn    string `yaml:"row_id_column"`
	GeometryColumn string `yaml:"geometry_column"`
	QueryTimeout   int    `yaml:"query_timeout"` // s
}

type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
}

type ScheduleConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CrontabSchedule string `yaml:"crontab_schedule,omitempty"`
	RunFrequency    string `yaml:"run_frequency,omitempty"`
	RunOnStart      bool   `yaml:"run_on_start"`
}

type RunsConfig struct {
	Path string `yaml:"path"`
}

// Cfg holds the loaded config for the whole app.
var Cfg *Config

// Default returns a configuration with every optional field populated.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses path into a Config.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes yaml, fills defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	c.applyEnv()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Init loads the config and assigns it to the package variable.
func Init(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	Cfg = c
	return nil
}

// IsDevelopment reports whether detected changes must be left unwritten.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, DevelopmentEnvironment)
}

func (c *Config) RowQueryTimeout() time.Duration {
	return time.Duration(c.Hasher.QueryTimeout) * time.Second
}

func (c *Config) StatementTimeout() time.Duration {
	return time.Duration(c.Postgres.StatementTimeout) * time.Millisecond
}

func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Postgres.ConnectionTimeout) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Postgres.StatementTimeout == 0 {
		c.Postgres.StatementTimeout = 30000
	}
	if c.Postgres.ConnectionTimeout == 0 {
		c.Postgres.ConnectionTimeout = 10
	}
	if c.State.Schema == "" {
		c.State.Schema = "meta"
	}
	if c.State.Table == "" {
		c.State.Table = "changedetection"
	}
	if c.Discovery.RegistryTable == "" {
		c.Discovery.RegistryTable = "sde.sde_table_registry"
	}
	if c.Discovery.ReservedPrefixes == nil {
		c.Discovery.ReservedPrefixes = []string{"sde_", "gdb_"}
	}
	if c.Discovery.TempSuffix == nil {
		suffix := "_temp"
		c.Discovery.TempSuffix = &suffix
	}
	if c.Discovery.SkipFields == nil {
		c.Discovery.SkipFields = []string{"gdb_geomattr_data", "objectid_"}
	}
	if c.Hasher.RowIDColumn == "" {
		c.Hasher.RowIDColumn = "objectid"
	}
	if c.Hasher.GeometryColumn == "" {
		c.Hasher.GeometryColumn = "shape"
	}
	if c.Hasher.QueryTimeout == 0 {
		c.Hasher.QueryTimeout = 600
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8080
	}
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvSourceDSN)); dsn != "" {
		c.Source.DSN = dsn
	}
	if path := strings.TrimSpace(os.Getenv(EnvRunsDB)); path != "" {
		c.Runs.Path = path
	}
	c.Environment = strings.TrimSpace(os.Getenv(EnvEnvironment))
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Source.DSN) == "" {
		return fmt.Errorf("source.dsn is required (or set %s)", EnvSourceDSN)
	}
	if c.Hasher.QueryTimeout < 0 {
		return errors.New("hasher.query_timeout must not be negative")
	}
	if c.Postgres.StatementTimeout < 0 || c.Postgres.ConnectionTimeout < 0 {
		return errors.New("postgres timeouts must not be negative")
	}
	if strings.Count(c.Discovery.RegistryTable, ".") > 1 {
		return fmt.Errorf("discovery.registry_table must be [schema.]table: %s", c.Discovery.RegistryTable)
	}
	for _, name := range c.Discovery.SkipTables {
		if strings.TrimSpace(name) == "" {
			return errors.New("discovery.skip_tables must not contain empty names")
		}
	}
	if c.Schedule.Enabled {
		hasCron := strings.TrimSpace(c.Schedule.CrontabSchedule) != ""
		hasFreq := strings.TrimSpace(c.Schedule.RunFrequency) != ""
		if hasCron == hasFreq {
			return errors.New("schedule requires exactly one of run_frequency or crontab_schedule")
		}
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port out of range: %d", c.Server.ListenPort)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	return nil
}
