package config

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/errs"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type SchedulerConfig struct {
	Strategy     string        `mapstructure:"strategy"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Period       time.Duration `mapstructure:"period"`
}

type ExecutionConfig struct {
	QueueMax       int           `mapstructure:"queue_max"`
	ProductsFile   string        `mapstructure:"products_file"`
	WorkspaceRoot  string        `mapstructure:"workspace_root"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`
	OutputMaxBytes int           `mapstructure:"output_max_bytes"`
	RetryMax       int           `mapstructure:"retry_max"`
}

type StorageConfig struct {
	Backend          string        `mapstructure:"backend"`
	LocalRoot        string        `mapstructure:"local_root"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	S3               S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseTLS    bool   `mapstructure:"use_tls"`
}

type EventsConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "bootstrap.config"))

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCANHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			// Keep default and env-backed config when no file is provided.
			logging.Warn(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}

	if cfg.Database.DSN == "" {
		return Config{}, errors.New("database.dsn is required")
	}
	if cfg.Execution.QueueMax < 1 {
		return Config{}, errors.New("execution.queue_max must be at least 1")
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	switch backend {
	case "local":
	case "s3":
		if cfg.Storage.S3.Endpoint == "" || cfg.Storage.S3.Bucket == "" {
			return Config{}, errors.New("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return Config{}, errs.Wrapf(errors.New("unsupported storage backend"), "validate storage backend %q", cfg.Storage.Backend)
	}
	cfg.Storage.Backend = backend

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("scheduler_strategy", cfg.Scheduler.Strategy),
	)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "scanhub")
	v.SetDefault("app.env", "local")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".scanhub/state/scanhub.sqlite")
	v.SetDefault("server.listen", ":8443")
	v.SetDefault("scheduler.strategy", "first-come-first-served")
	v.SetDefault("scheduler.initial_delay", 5*time.Second)
	v.SetDefault("scheduler.period", 10*time.Second)
	v.SetDefault("execution.queue_max", 5)
	v.SetDefault("execution.products_file", "configs/products.toml")
	v.SetDefault("execution.workspace_root", ".scanhub/workspace")
	v.SetDefault("execution.default_timeout", 30*time.Minute)
	v.SetDefault("execution.cancel_grace", 20*time.Second)
	v.SetDefault("execution.output_max_bytes", 1<<20)
	v.SetDefault("execution.retry_max", 1)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_root", ".scanhub/storage")
	v.SetDefault("storage.operation_timeout", 30*time.Second)
	v.SetDefault("storage.retry_attempts", 3)
	v.SetDefault("storage.retry_backoff", 2*time.Second)
	v.SetDefault("events.subject", "scanhub.job.events")
}
