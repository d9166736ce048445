// config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Redis
	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	StreamName    string `mapstructure:"redis_stream"`
	ConsumerGroup string `mapstructure:"redis_consumer_group"`
	MaxBacklog    int64  `mapstructure:"dispatch_max_backlog"`

	// RethinkDB
	RethinkDBURL string `mapstructure:"rethinkdb_url"`
	DBName       string `mapstructure:"db_name"`
	JobTableName string `mapstructure:"job_table_name"`

	// Server
	ServerPort string `mapstructure:"server_port"`
	HealthPort string `mapstructure:"health_port"`

	// Service-to-service auth for the completion report endpoint.
	ServiceToken string `mapstructure:"service_token"`

	// Worker
	WorkerCount int           `mapstructure:"worker_count"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`

	// Completion report delivery
	BackendURL        string        `mapstructure:"backend_url"`
	ReportMaxAttempts int           `mapstructure:"report_max_attempts"`
	ReportBackoff     time.Duration `mapstructure:"report_backoff"`

	// Reconciliation sweep for placeholders that never got a report.
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StaleJobTimeout time.Duration `mapstructure:"stale_job_timeout"`

	// Acquisition selection windows (days)
	RecencyDays        int `mapstructure:"recency_days"`
	BaselineOffsetDays int `mapstructure:"baseline_offset_days"`
	ToleranceDays      int `mapstructure:"tolerance_days"`

	// Imagery catalog
	ImageryFixtureDir string `mapstructure:"imagery_fixture_dir"`

	// Artifact storage: "gcs" or "file"
	ArtifactBackend string `mapstructure:"artifact_backend"`
	ArtifactBucket  string `mapstructure:"artifact_bucket"`
	ArtifactDir     string `mapstructure:"artifact_dir"`
}

func Load() (*Config, error) {
	viper.SetDefault("redis_url", "localhost:6379")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("redis_stream", "analysis-jobs")
	viper.SetDefault("redis_consumer_group", "analysis-workers")
	viper.SetDefault("dispatch_max_backlog", 100)
	viper.SetDefault("rethinkdb_url", "localhost:28015")
	viper.SetDefault("db_name", "geowatch")
	viper.SetDefault("job_table_name", "analysis_jobs")
	viper.SetDefault("server_port", ":8081")
	viper.SetDefault("health_port", ":8082")
	viper.SetDefault("service_token", "")
	viper.SetDefault("worker_count", 4)
	viper.SetDefault("job_timeout", 15*time.Minute)
	viper.SetDefault("backend_url", "http://localhost:8081")
	viper.SetDefault("report_max_attempts", 5)
	viper.SetDefault("report_backoff", 2*time.Second)
	viper.SetDefault("sweep_interval", 10*time.Minute)
	viper.SetDefault("stale_job_timeout", 2*time.Hour)
	viper.SetDefault("recency_days", 30)
	viper.SetDefault("baseline_offset_days", 90)
	viper.SetDefault("tolerance_days", 30)
	viper.SetDefault("imagery_fixture_dir", "./imagery")
	viper.SetDefault("artifact_backend", "file")
	viper.SetDefault("artifact_bucket", "geowatch-artifacts")
	viper.SetDefault("artifact_dir", "./artifacts")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/geowatch/")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults and env cover it.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
