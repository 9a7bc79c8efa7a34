package cdc

import (
	"fmt"
	"strings"
	"time"
)

// Config contains the engine configuration for one consumer client.
type Config struct {
	// Source connection
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	User         string `yaml:"user" mapstructure:"user"`
	Password     string `yaml:"password,omitempty" mapstructure:"password"`
	DatabaseName string `yaml:"database_name,omitempty" mapstructure:"database_name"` // tenant database, optional

	// Schemas and shadow objects
	SourceSchema    string `yaml:"source_schema" mapstructure:"source_schema"`
	CDCSchema       string `yaml:"cdc_schema" mapstructure:"cdc_schema"`
	ChangeTableName string `yaml:"change_table_name" mapstructure:"change_table_name"`

	// Consumer identity and table selection
	ClientID      string   `yaml:"client_id" mapstructure:"client_id"`
	Tables        []string `yaml:"tables" mapstructure:"tables"`
	ExcludeTables []string `yaml:"exclude_tables,omitempty" mapstructure:"exclude_tables"`
	ChangeTypes   []string `yaml:"change_types" mapstructure:"change_types"`

	// Reading
	BatchLimit          int `yaml:"batch_limit" mapstructure:"batch_limit"`
	InitialLoadPageSize int `yaml:"initial_load_page_size" mapstructure:"initial_load_page_size"`

	// Pool and timing
	MaxPoolSize     int           `yaml:"max_pool_size" mapstructure:"max_pool_size"`
	ValidationQuery string        `yaml:"validation_query" mapstructure:"validation_query"`
	CallTimeout     time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Retry           RetryConfig   `yaml:"retry" mapstructure:"retry"`

	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RetryConfig configures backoff for transient source failures.
type RetryConfig struct {
	Initial     time.Duration `yaml:"initial" mapstructure:"initial"`
	Max         time.Duration `yaml:"max" mapstructure:"max"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Budget      time.Duration `yaml:"budget" mapstructure:"budget"`
}

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() Config {
	return Config{
		Port:                30015,
		CDCSchema:           "CDC",
		ChangeTableName:     "cdc",
		ChangeTypes:         []string{"INSERT", "UPDATE", "DELETE"},
		BatchLimit:          1000,
		InitialLoadPageSize: 10000,
		MaxPoolSize:         10,
		ValidationQuery:     "SELECT 1 FROM DUMMY",
		CallTimeout:         30 * time.Second,
		PollInterval:        time.Second,
		Retry:               DefaultRetryConfig(),
		LogLevel:            "info",
	}
}

// DefaultRetryConfig returns 1s initial delay, 30s cap, 5 attempts and a 90s budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Initial:     time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
		Budget:      90 * time.Second,
	}
}

// Validate checks the configuration and returns a ConfigurationError on the first problem.
func (c *Config) Validate() error {
	if c.Host == "" {
		return NewConfigurationError("host", "is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigurationError("port", fmt.Sprintf("%d is out of range", c.Port))
	}
	if c.User == "" {
		return NewConfigurationError("user", "is required")
	}
	if c.ClientID == "" {
		return NewConfigurationError("client_id", "is required")
	}
	if c.CDCSchema == "" {
		return NewConfigurationError("cdc_schema", "is required")
	}
	if c.ChangeTableName == "" {
		return NewConfigurationError("change_table_name", "is required")
	}
	if c.BatchLimit <= 0 {
		return NewConfigurationError("batch_limit", "must be positive")
	}
	if c.InitialLoadPageSize <= 0 {
		return NewConfigurationError("initial_load_page_size", "must be positive")
	}
	if c.MaxPoolSize <= 0 {
		return NewConfigurationError("max_pool_size", "must be positive")
	}
	if c.CallTimeout <= 0 {
		return NewConfigurationError("call_timeout", "must be positive")
	}
	if _, err := c.TriggerTypes(); err != nil {
		return err
	}

	tables, err := c.MonitoredTables()
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return NewConfigurationError("tables", "no tables left to monitor after exclusions")
	}

	// Trigger names only carry the table name, so it must be unique across schemas.
	seen := make(map[string]TableRef, len(tables))
	for _, t := range tables {
		if prev, ok := seen[t.Name]; ok {
			return NewConfigurationError("tables", fmt.Sprintf("%s and %s share a table name", prev, t))
		}
		seen[t.Name] = t
	}
	return nil
}

// MonitoredTables resolves the include list against the source schema and applies exclusions.
func (c *Config) MonitoredTables() ([]TableRef, error) {
	excluded := make(map[TableRef]bool, len(c.ExcludeTables))
	for _, raw := range c.ExcludeTables {
		ref, err := ParseTableRef(raw, c.SourceSchema)
		if err != nil {
			return nil, NewConfigurationError("exclude_tables", err.Error())
		}
		excluded[ref] = true
	}

	var tables []TableRef
	seen := make(map[TableRef]bool, len(c.Tables))
	for _, raw := range c.Tables {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		ref, err := ParseTableRef(raw, c.SourceSchema)
		if err != nil {
			return nil, NewConfigurationError("tables", err.Error())
		}
		if seen[ref] || excluded[ref] {
			continue
		}
		seen[ref] = true
		tables = append(tables, ref)
	}
	return tables, nil
}

// TriggerTypes returns the configured change types in installation order.
func (c *Config) TriggerTypes() ([]TriggerType, error) {
	if len(c.ChangeTypes) == 0 {
		return AllTriggerTypes, nil
	}
	wanted := make(map[TriggerType]bool, len(c.ChangeTypes))
	for _, raw := range c.ChangeTypes {
		tt, err := ParseTriggerType(raw)
		if err != nil {
			return nil, NewConfigurationError("change_types", err.Error())
		}
		wanted[tt] = true
	}
	var out []TriggerType
	for _, tt := range AllTriggerTypes {
		if wanted[tt] {
			out = append(out, tt)
		}
	}
	return out, nil
}

// StatusTableName returns the name of the shadow status table.
func (c *Config) StatusTableName() string {
	return c.ChangeTableName + "_status"
}

// PoisonTableName returns the name of the poison-event table.
func (c *Config) PoisonTableName() string {
	return c.ChangeTableName + "_poison"
}

// LockTableName returns the name of the table backing the DDL advisory lock.
func (c *Config) LockTableName() string {
	return c.ChangeTableName + "_lock"
}

// TriggerName returns the managed trigger name for a table and operation.
func (c *Config) TriggerName(table TableRef, tt TriggerType) string {
	return c.ChangeTableName + "_" + table.Name + "_" + tt.Suffix()
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}
