package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
)

const envPrefix = "ZSTORE"

// ErasureCodingConfig controls chunking, the redundancy strategy threshold and the codec shape.
type ErasureCodingConfig struct {
	DataShards           int   `mapstructure:"data_shards"`
	ParityShards         int   `mapstructure:"parity_shards"`
	ChunkSizeBytes       int   `mapstructure:"chunk_size_bytes"`
	SmallObjectThreshold int64 `mapstructure:"small_object_threshold"`
	MaxFileSizeBytes     int64 `mapstructure:"max_file_size_bytes"`
}

// TotalShards is the fixed shard index width of every erasure coded chunk.
func (c ErasureCodingConfig) TotalShards() int {
	return c.DataShards + c.ParityShards
}

// NodeHealthConfig controls the background health monitor.
type NodeHealthConfig struct {
	PollIntervalSeconds    int `mapstructure:"poll_interval_seconds"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	ProbeTimeoutSeconds    int `mapstructure:"probe_timeout_seconds"`
	ProbeConcurrency       int `mapstructure:"probe_concurrency"`
}

func (c NodeHealthConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c NodeHealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// UploadConfig controls per-node attempts, timeouts and the replica fan-out.
type UploadConfig struct {
	MaxNodeAttempts    int `mapstructure:"max_node_attempts"`
	NodeTimeoutSeconds int `mapstructure:"node_timeout_seconds"`
	ReplicaCount       int `mapstructure:"replica_count"`
}

func (c UploadConfig) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutSeconds) * time.Second
}

// CatalogConfig selects the durable catalog backend.
type CatalogConfig struct {
	Backend string `mapstructure:"backend"`
	Table   string `mapstructure:"table"`
}

// Config holds the application configuration
type Config struct {
	LogLevel                  string
	LogFormat                 string
	Catalog                   CatalogConfig
	ErasureCoding             ErasureCodingConfig
	NodeHealth                NodeHealthConfig
	Upload                    UploadConfig
	RejectDangerousMismatches bool
	MetricsListenAddress      string
	DiscoveryTagKey           string
	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. DynamoDB, S3 nodes, SSM and
	// the tagging API are all created from this single config.
	AwsConfig aws.Config
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: SSM parameters > CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	awsConfig, err := loadAWSConfig(viper.GetString("aws.region"))
	if err != nil {
		return nil, err
	}

	if prefix := viper.GetString("ssm.prefix"); prefix != "" {
		if err := applySSMOverrides(context.Background(), newSSMParameterSource(awsConfig), prefix); err != nil {
			return nil, err
		}
	}

	cfg, err := fromViper()
	if err != nil {
		return nil, err
	}
	cfg.AwsConfig = awsConfig

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("catalog.backend", "dynamodb")
	viper.SetDefault("catalog.table", "zstore-catalog")

	viper.SetDefault("erasure_coding.data_shards", 6)
	viper.SetDefault("erasure_coding.parity_shards", 3)
	viper.SetDefault("erasure_coding.chunk_size_bytes", 10*1024*1024)
	viper.SetDefault("erasure_coding.small_object_threshold", 64*1024)
	viper.SetDefault("erasure_coding.max_file_size_bytes", 1024*1024*1024)

	viper.SetDefault("node_health.poll_interval_seconds", 10)
	viper.SetDefault("node_health.max_consecutive_failures", 3)
	viper.SetDefault("node_health.probe_timeout_seconds", 5)
	viper.SetDefault("node_health.probe_concurrency", 16)

	viper.SetDefault("upload.max_node_attempts", 3)
	viper.SetDefault("upload.node_timeout_seconds", 30)
	viper.SetDefault("upload.replica_count", 4)

	viper.SetDefault("mime.reject_dangerous_mismatches", true)
	viper.SetDefault("metrics.listen_address", ":9090")
	viper.SetDefault("discovery.tag_key", "zstore:node")
}

func fromViper() (*Config, error) {
	cfg := &Config{
		LogLevel:                  viper.GetString("log_level"),
		LogFormat:                 viper.GetString("log_format"),
		RejectDangerousMismatches: viper.GetBool("mime.reject_dangerous_mismatches"),
		MetricsListenAddress:      viper.GetString("metrics.listen_address"),
		DiscoveryTagKey:           viper.GetString("discovery.tag_key"),
	}
	sections := []struct {
		key    string
		target interface{}
	}{
		{"catalog", &cfg.Catalog},
		{"erasure_coding", &cfg.ErasureCoding},
		{"node_health", &cfg.NodeHealth},
		{"upload", &cfg.Upload},
	}
	for _, s := range sections {
		if err := viper.UnmarshalKey(s.key, s.target); err != nil {
			return nil, fmt.Errorf("invalid %s configuration: %w", s.key, err)
		}
	}
	return cfg, nil
}

// Validate rejects configurations the placement layer cannot honour.
func (c *Config) Validate() error {
	ec := c.ErasureCoding
	switch {
	case ec.DataShards <= 0:
		return zerrors.ConfigNotSetError("erasure_coding.data_shards")
	case ec.ParityShards < 0:
		return fmt.Errorf("erasure_coding.parity_shards must not be negative")
	case ec.TotalShards() > 256:
		return fmt.Errorf("sum of data and parity shards cannot exceed 256")
	case ec.ChunkSizeBytes <= 0:
		return zerrors.ConfigNotSetError("erasure_coding.chunk_size_bytes")
	case ec.MaxFileSizeBytes <= 0:
		return zerrors.ConfigNotSetError("erasure_coding.max_file_size_bytes")
	case c.Upload.MaxNodeAttempts <= 0:
		return zerrors.ConfigNotSetError("upload.max_node_attempts")
	case c.Upload.ReplicaCount <= 0:
		return zerrors.ConfigNotSetError("upload.replica_count")
	case c.Upload.NodeTimeoutSeconds <= 0:
		return zerrors.ConfigNotSetError("upload.node_timeout_seconds")
	case c.NodeHealth.MaxConsecutiveFailures <= 0:
		return zerrors.ConfigNotSetError("node_health.max_consecutive_failures")
	case c.NodeHealth.PollIntervalSeconds <= 0:
		return zerrors.ConfigNotSetError("node_health.poll_interval_seconds")
	case c.NodeHealth.ProbeTimeoutSeconds <= 0:
		return zerrors.ConfigNotSetError("node_health.probe_timeout_seconds")
	}
	switch c.Catalog.Backend {
	case "dynamodb", "memory":
	default:
		return fmt.Errorf("unsupported catalog backend: %s", c.Catalog.Backend)
	}
	return nil
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig(region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}
