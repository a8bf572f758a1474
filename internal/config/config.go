// Package config loads the service configuration from a YAML file and BATCHQ_* environment
// variables.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/model"
)

const EnvPrefix = "BATCHQ"

const (
	ExecutorReal    = "real"
	ExecutorInstant = "instant"

	RunnerExec   = "exec"
	RunnerDocker = "docker"

	StoreNone     = "none"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

type Config struct {
	Region   string
	Account  string
	LogLevel string

	HTTP      HTTPConfig
	Dispatch  DispatchConfig
	Backend   BackendConfig
	Executor  ExecutorConfig
	Store     StoreConfig
	Retention RetentionConfig
	LogStream LogStreamConfig

	Queues      []QueueConfig
	Definitions []DefinitionConfig
}

type HTTPConfig struct {
	Addr string
	// SubmitRateLimit is the number of submissions per second accepted; zero disables limiting.
	SubmitRateLimit float64
	SubmitBurst     int
}

type DispatchConfig struct {
	Interval time.Duration
	Executor string
}

type BackendConfig struct {
	// Simple wraps every backend so that submitted jobs complete instantly.
	Simple bool
	// MaxBackends caps the region and account pairs served at once. Zero means no cap.
	MaxBackends int
}

type ExecutorConfig struct {
	Workers    int
	Runner     string
	RetryDelay time.Duration
}

type StoreConfig struct {
	Kind        string
	Path        string
	DatabaseURL string `mapstructure:"databaseUrl"`
	Migrate     bool
}

type RetentionConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

type LogStreamConfig struct {
	Prefix string
}

type QueueConfig struct {
	Name     string
	Priority int
	State    model.QueueState
}

type DefinitionConfig struct {
	Name          string
	Image         string
	Command       []string
	// Environment entries are NAME=value; viper would lower-case map keys.
	Environment   []string
	Vcpus         int
	Memory        int
	RetryAttempts int
	Timeout       *time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "us-east-1")
	v.SetDefault("account", "123456789012")
	v.SetDefault("logLevel", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.submitRateLimit", 0)
	v.SetDefault("http.submitBurst", 10)

	v.SetDefault("dispatch.interval", time.Second)
	v.SetDefault("dispatch.executor", ExecutorReal)

	v.SetDefault("backend.simple", false)
	v.SetDefault("backend.maxBackends", 16)

	v.SetDefault("executor.workers", 2)
	v.SetDefault("executor.runner", RunnerExec)
	v.SetDefault("executor.retryDelay", time.Second)

	v.SetDefault("store.kind", StoreNone)
	v.SetDefault("store.path", "jobs.json")
	v.SetDefault("store.databaseUrl", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("retention.interval", time.Minute)
	v.SetDefault("retention.maxAge", 24*time.Hour)

	v.SetDefault("logStream.prefix", "")
}

// Load reads path, or ./config.yaml when path is empty and such a file exists, then
// applies environment overrides such as BATCHQ_HTTP_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "reading config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		QueueStateHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// QueueStateHookFunc accepts queue states in any case.
func QueueStateHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(model.QueueEnabled) {
			return data, nil
		}
		s := strings.ToUpper(strings.TrimSpace(data.(string)))
		switch model.QueueState(s) {
		case "":
			return model.QueueEnabled, nil
		case model.QueueEnabled, model.QueueDisabled:
			return model.QueueState(s), nil
		}
		return nil, errors.Errorf("unknown queue state %q", data)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			result = multierror.Append(result, errors.Errorf(format, args...))
		}
	}

	if err := model.ValidateScope(c.Region, c.Account); err != nil {
		result = multierror.Append(result, err)
	}
	check(c.Backend.MaxBackends >= 0, "backend.maxBackends must not be negative")
	check(c.Dispatch.Interval > 0, "dispatch.interval must be positive")
	check(c.Dispatch.Executor == ExecutorReal || c.Dispatch.Executor == ExecutorInstant,
		"dispatch.executor must be %q or %q, got %q", ExecutorReal, ExecutorInstant, c.Dispatch.Executor)
	check(c.Executor.Workers > 0, "executor.workers must be positive")
	check(c.Executor.Runner == RunnerExec || c.Executor.Runner == RunnerDocker,
		"executor.runner must be %q or %q, got %q", RunnerExec, RunnerDocker, c.Executor.Runner)
	check(c.HTTP.SubmitRateLimit >= 0, "http.submitRateLimit must not be negative")

	switch c.Store.Kind {
	case StoreNone:
	case StoreFile:
		check(c.Store.Path != "", "store.path is required for the file store")
	case StorePostgres:
		check(c.Store.DatabaseURL != "", "store.databaseUrl is required for the postgres store")
	default:
		check(false, "store.kind must be one of none, file, postgres, got %q", c.Store.Kind)
	}
	check(c.Retention.Interval > 0, "retention.interval must be positive")
	check(c.Retention.MaxAge >= 0, "retention.maxAge must not be negative")
	for _, d := range c.Definitions {
		for _, kv := range d.Environment {
			check(strings.Contains(kv, "="), "definitions[%s].environment entry %q is not NAME=value", d.Name, kv)
		}
	}

	return result.ErrorOrNil()
}

// QueueSpecs returns the queues to create in every backend.
func (c *Config) QueueSpecs() []catalog.QueueSpec {
	specs := make([]catalog.QueueSpec, 0, len(c.Queues))
	for _, q := range c.Queues {
		state := q.State
		if state == "" {
			state = model.QueueEnabled
		}
		specs = append(specs, catalog.QueueSpec{Name: q.Name, Priority: q.Priority, State: state})
	}
	return specs
}

// DefinitionSpecs returns the job definitions to register in every backend.
func (c *Config) DefinitionSpecs() []catalog.DefinitionSpec {
	specs := make([]catalog.DefinitionSpec, 0, len(c.Definitions))
	for _, d := range c.Definitions {
		specs = append(specs, catalog.DefinitionSpec{
			Name: d.Name,
			Container: model.ContainerProperties{
				Image:       d.Image,
				Command:     d.Command,
				Environment: parseEnv(d.Environment),
				Vcpus:       d.Vcpus,
				Memory:      d.Memory,
			},
			RetryAttempts: d.RetryAttempts,
			Timeout:       d.Timeout,
		})
	}
	return specs
}

func parseEnv(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	env := make(map[string]string, len(entries))
	for _, kv := range entries {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	return env
}
