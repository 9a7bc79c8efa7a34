// Package config loads the process configuration from an optional YAML file and SAP_HANA_
// environment variables, and resolves the source password from the keyring when it is not
// configured directly.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/redbco/hana-cdc/internal/sink"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/keyring"
)

// EnvPrefix prefixes every environment variable, e.g. SAP_HANA_HOST or
// SAP_HANA_SINK_CLICKHOUSE_ADDR.
const EnvPrefix = "SAP_HANA"

// File is the full configuration of the hanacdc binary.
type File struct {
	cdc.Config `yaml:",inline" mapstructure:",squash"`

	Sink sink.Config `yaml:"sink" mapstructure:"sink"`
	Ops  OpsConfig   `yaml:"ops" mapstructure:"ops"`
}

// OpsConfig configures the ops HTTP server of the run command.
type OpsConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	StatusInterval time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
}

// PasswordStore looks up stored passwords by account.
type PasswordStore interface {
	Get(account string) (string, error)
}

// Default returns the configuration used when nothing is set.
func Default() File {
	return File{
		Config: cdc.DefaultConfig(),
		Sink:   sink.DefaultConfig(),
		Ops:    OpsConfig{Addr: ":9464", StatusInterval: 15 * time.Second},
	}
}

// Validate checks the engine and sink sections.
func (f *File) Validate() error {
	if err := f.Config.Validate(); err != nil {
		return err
	}
	return f.Sink.Validate()
}

// Loader reads configuration through its own viper instance so flags can be bound to it.
type Loader struct {
	v     *viper.Viper
	store PasswordStore
}

// NewLoader creates a loader. store may be nil to disable the keyring lookup.
func NewLoader(store PasswordStore) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v, store: store}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads path, or ./hanacdc.yaml when path is empty and the file exists, overlays the
// environment and resolves the password.
func (l *Loader) Load(path string) (*File, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("hanacdc")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, cdc.NewConfigurationError("config", fmt.Sprintf("read %s: %v", describe(path), err))
		}
	}

	var f File
	if err := l.v.Unmarshal(&f); err != nil {
		return nil, cdc.NewConfigurationError("config", err.Error())
	}

	f.Tables = splitList(f.Tables)
	f.ExcludeTables = splitList(f.ExcludeTables)
	f.ChangeTypes = splitList(f.ChangeTypes)
	f.Sink.ClickHouse.Addr = splitList(f.Sink.ClickHouse.Addr)

	if err := l.resolvePassword(&f.Config); err != nil {
		return nil, err
	}
	return &f, nil
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) resolvePassword(c *cdc.Config) error {
	if c.Password != "" || l.store == nil || c.User == "" || c.Host == "" {
		return nil
	}
	password, err := l.store.Get(keyring.Account(c.User, c.Host, c.Port))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return cdc.NewConfigurationError("password", "keyring lookup failed: "+err.Error())
	}
	c.Password = password
	return nil
}

func describe(path string) string {
	if path == "" {
		return "hanacdc.yaml"
	}
	return path
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d File) {
	c := d.Config
	v.SetDefault("host", c.Host)
	v.SetDefault("port", c.Port)
	v.SetDefault("user", c.User)
	v.SetDefault("password", c.Password)
	v.SetDefault("database_name", c.DatabaseName)
	v.SetDefault("source_schema", c.SourceSchema)
	v.SetDefault("cdc_schema", c.CDCSchema)
	v.SetDefault("change_table_name", c.ChangeTableName)
	v.SetDefault("client_id", c.ClientID)
	v.SetDefault("tables", c.Tables)
	v.SetDefault("exclude_tables", c.ExcludeTables)
	v.SetDefault("change_types", c.ChangeTypes)
	v.SetDefault("batch_limit", c.BatchLimit)
	v.SetDefault("initial_load_page_size", c.InitialLoadPageSize)
	v.SetDefault("max_pool_size", c.MaxPoolSize)
	v.SetDefault("validation_query", c.ValidationQuery)
	v.SetDefault("call_timeout", c.CallTimeout)
	v.SetDefault("poll_interval", c.PollInterval)
	v.SetDefault("retry.initial", c.Retry.Initial)
	v.SetDefault("retry.max", c.Retry.Max)
	v.SetDefault("retry.max_attempts", c.Retry.MaxAttempts)
	v.SetDefault("retry.budget", c.Retry.Budget)
	v.SetDefault("log_level", c.LogLevel)

	s := d.Sink
	v.SetDefault("sink.type", s.Type)
	v.SetDefault("sink.jsonl.path", s.JSONL.Path)
	v.SetDefault("sink.clickhouse.addr", s.ClickHouse.Addr)
	v.SetDefault("sink.clickhouse.database", s.ClickHouse.Database)
	v.SetDefault("sink.clickhouse.username", s.ClickHouse.Username)
	v.SetDefault("sink.clickhouse.password", s.ClickHouse.Password)
	v.SetDefault("sink.clickhouse.table", s.ClickHouse.Table)
	v.SetDefault("sink.nats.url", s.NATS.URL)
	v.SetDefault("sink.nats.stream", s.NATS.Stream)
	v.SetDefault("sink.nats.subject_prefix", s.NATS.SubjectPrefix)
	v.SetDefault("sink.nats.creds_file", s.NATS.CredsFile)
	v.SetDefault("sink.nats.max_age", s.NATS.MaxAge)
	v.SetDefault("sink.nats.dedup_window", s.NATS.DedupWindow)
	v.SetDefault("sink.redis.url", s.Redis.URL)
	v.SetDefault("sink.redis.stream", s.Redis.Stream)
	v.SetDefault("sink.redis.key_prefix", s.Redis.KeyPrefix)
	v.SetDefault("sink.redis.dedup_ttl", s.Redis.DedupTTL)
	v.SetDefault("sink.redis.sync_rows", s.Redis.SyncRows)

	v.SetDefault("ops.addr", d.Ops.Addr)
	v.SetDefault("ops.status_interval", d.Ops.StatusInterval)
}
