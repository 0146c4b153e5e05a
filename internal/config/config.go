// Package config handles loading and parsing of ZoomStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ZoomStore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Registry      RegistryConfig      `yaml:"registry"`
	Pyramid       PyramidConfig       `yaml:"pyramid"`
	TileCache     TileCacheConfig     `yaml:"tile_cache"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize is the largest accepted source image in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// File, when set, sends logs to a rotating file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// StorageConfig holds the on-disk cache layout settings.
type StorageConfig struct {
	// RootDir holds one directory per image plus .tmp and .trash.
	RootDir string `yaml:"root_dir"`
}

// RegistryConfig holds image registry settings.
type RegistryConfig struct {
	// Engine is "sqlite", "local", "memory", "dynamodb", "firestore" or
	// "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalConfig     `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite-specific registry settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// LocalConfig holds settings for the JSON-lines registry.
type LocalConfig struct {
	// RootDir holds images.jsonl.
	RootDir          string `yaml:"root_dir"`
	// CompactOnStartup rewrites the log without superseded entries when the
	// registry opens.
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds settings for the DynamoDB registry. The table has a
// string partition key "pk" and a string sort key "sk".
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// EndpointURL overrides the DynamoDB endpoint (DynamoDB Local).
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds settings for the Firestore registry.
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
	// CredentialsFile is a service account key file. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds settings for the Azure Cosmos DB registry. The
// container must be partitioned on /type.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// PyramidConfig controls how pyramids are cut.
type PyramidConfig struct {
	TileSize int `yaml:"tile_size"`
	Overlap  int `yaml:"overlap"`
	// Format is "auto", "jpeg" or "png". Auto keeps lossless sources lossless.
	Format         string `yaml:"format"`
	JPEGQuality    int    `yaml:"jpeg_quality"`
	PNGCompression string `yaml:"png_compression"`
	// MaxTiles bounds the total tile count of one pyramid.
	MaxTiles int64 `yaml:"max_tiles"`
	// MaxPixels bounds width*height of a source image.
	MaxPixels int64 `yaml:"max_pixels"`
	// MaxDecodePixels bounds width*height of sources that are decoded whole
	// (JPEG, TIFF, WebP, interlaced PNG). BMP and non-interlaced PNG sources
	// are read strip by strip and only MaxPixels applies to them.
	MaxDecodePixels int64 `yaml:"max_decode_pixels"`
	// Workers is the number of concurrent generation runs.
	Workers int `yaml:"workers"`
}

// TileCacheConfig holds the in-memory hot tile cache settings.
type TileCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	SizeMB  int  `yaml:"size_mb"`
}

// ArchiveConfig holds settings for the optional off-box copy of sources.
type ArchiveConfig struct {
	// Backend is "none", "aws", "gcp" or "azure".
	Backend string `yaml:"backend"`
	// AWSBucket is the S3 bucket name for the AWS archive.
	AWSBucket string `yaml:"aws_bucket"`
	// AWSRegion is the AWS region for the AWS archive.
	AWSRegion string `yaml:"aws_region"`
	// AWSEndpoint overrides the S3 endpoint (MinIO, LocalStack).
	AWSEndpoint string `yaml:"aws_endpoint"`
	// AWSPrefix is the optional key prefix for archived sources.
	AWSPrefix string `yaml:"aws_prefix"`
	// AWSAccessKeyID and AWSSecretAccessKey, when both set, replace the
	// default AWS credential chain.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	// GCPBucket is the GCS bucket name for the GCP archive.
	GCPBucket string `yaml:"gcp_bucket"`
	// GCPProject is the GCP project ID for the GCP archive.
	GCPProject string `yaml:"gcp_project"`
	// GCPPrefix is the optional key prefix for archived sources.
	GCPPrefix string `yaml:"gcp_prefix"`
	// AzureContainer is the container name for the Azure archive.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount is the storage account name for the Azure archive.
	// Used to construct the account URL: https://{account}.blob.core.windows.net
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full Azure storage account URL. If empty, it is
	// constructed from AzureAccount.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is the optional key prefix for archived sources.
	AzurePrefix string `yaml:"azure_prefix"`
}

// ObservabilityConfig toggles the metrics endpoint and the health check.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// DefaultMaxUploadSize is the largest supported source image (2 GiB).
const DefaultMaxUploadSize int64 = 2 << 30

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to zoomstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "zoomstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "zoomstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 30,
			MaxUploadSize:   DefaultMaxUploadSize,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
		Storage: StorageConfig{
			RootDir: "./data/images",
		},
		Registry: RegistryConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/registry.db",
			},
			Local: LocalConfig{
				RootDir:          "./data/registry",
				CompactOnStartup: true,
			},
		},
		Pyramid: PyramidConfig{
			TileSize:        256,
			Overlap:         1,
			Format:          "auto",
			JPEGQuality:     85,
			PNGCompression:  "default",
			MaxTiles:        10_000_000,
			MaxPixels:       1 << 32,
			MaxDecodePixels: 1 << 28,
		},
		TileCache: TileCacheConfig{
			Enabled: true,
			SizeMB:  64,
		},
		Archive: ArchiveConfig{
			Backend: "none",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = "./data/images"
	}
	if cfg.Registry.Engine == "" {
		cfg.Registry.Engine = "sqlite"
	}
	if cfg.Registry.SQLite.Path == "" {
		cfg.Registry.SQLite.Path = "./data/registry.db"
	}
	if cfg.Registry.Local.RootDir == "" {
		cfg.Registry.Local.RootDir = "./data/registry"
	}
	if cfg.Registry.DynamoDB.Region == "" {
		cfg.Registry.DynamoDB.Region = "us-east-1"
	}
	if cfg.Registry.Firestore.Collection == "" {
		cfg.Registry.Firestore.Collection = "zoomstore"
	}
	if cfg.Pyramid.TileSize == 0 {
		cfg.Pyramid.TileSize = 256
	}
	if cfg.Pyramid.Format == "" {
		cfg.Pyramid.Format = "auto"
	}
	if cfg.Pyramid.JPEGQuality == 0 {
		cfg.Pyramid.JPEGQuality = 85
	}
	if cfg.Pyramid.PNGCompression == "" {
		cfg.Pyramid.PNGCompression = "default"
	}
	if cfg.Pyramid.MaxTiles == 0 {
		cfg.Pyramid.MaxTiles = 10_000_000
	}
	if cfg.Pyramid.MaxPixels == 0 {
		cfg.Pyramid.MaxPixels = 1 << 32
	}
	if cfg.Pyramid.MaxDecodePixels == 0 {
		cfg.Pyramid.MaxDecodePixels = 1 << 28
	}
	if cfg.Pyramid.Workers <= 0 {
		cfg.Pyramid.Workers = runtime.NumCPU()
	}
	if cfg.TileCache.SizeMB == 0 {
		cfg.TileCache.SizeMB = 64
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "none"
	}
	if cfg.Archive.AWSRegion == "" {
		cfg.Archive.AWSRegion = "us-east-1"
	}
	if cfg.Archive.AzureAccountURL == "" && cfg.Archive.AzureAccount != "" {
		cfg.Archive.AzureAccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Archive.AzureAccount)
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxUploadSize < 0 {
		return fmt.Errorf("server.max_upload_size must not be negative")
	}
	if c.Pyramid.TileSize < 1 {
		return fmt.Errorf("pyramid.tile_size must be at least 1, got %d", c.Pyramid.TileSize)
	}
	if c.Pyramid.Overlap < 0 {
		return fmt.Errorf("pyramid.overlap must not be negative, got %d", c.Pyramid.Overlap)
	}
	if c.Pyramid.Overlap >= c.Pyramid.TileSize {
		return fmt.Errorf("pyramid.overlap %d must be smaller than tile_size %d", c.Pyramid.Overlap, c.Pyramid.TileSize)
	}
	if c.Pyramid.MaxDecodePixels < 0 {
		return fmt.Errorf("pyramid.max_decode_pixels must not be negative")
	}
	switch c.Pyramid.Format {
	case "auto", "jpeg", "jpg", "png":
	default:
		return fmt.Errorf("pyramid.format %q is not one of auto, jpeg, png", c.Pyramid.Format)
	}
	if c.Pyramid.JPEGQuality < 1 || c.Pyramid.JPEGQuality > 100 {
		return fmt.Errorf("pyramid.jpeg_quality must be within 1..100, got %d", c.Pyramid.JPEGQuality)
	}
	switch c.Pyramid.PNGCompression {
	case "default", "none", "speed", "best":
	default:
		return fmt.Errorf("pyramid.png_compression %q is not one of default, none, speed, best", c.Pyramid.PNGCompression)
	}
	switch c.Registry.Engine {
	case "sqlite", "local", "memory":
	case "dynamodb":
		if c.Registry.DynamoDB.Table == "" {
			return fmt.Errorf("registry.dynamodb.table is required when engine is 'dynamodb'")
		}
	case "firestore":
		if c.Registry.Firestore.ProjectID == "" {
			return fmt.Errorf("registry.firestore.project_id is required when engine is 'firestore'")
		}
	case "cosmos":
		cc := c.Registry.Cosmos
		if cc.Endpoint == "" || cc.Database == "" || cc.Container == "" {
			return fmt.Errorf("registry.cosmos endpoint, database and container are required when engine is 'cosmos'")
		}
	default:
		return fmt.Errorf("registry.engine %q is not one of sqlite, local, memory, dynamodb, firestore, cosmos", c.Registry.Engine)
	}
	switch c.Archive.Backend {
	case "none":
	case "aws":
		if c.Archive.AWSBucket == "" {
			return fmt.Errorf("archive.aws_bucket is required when backend is 'aws'")
		}
	case "gcp":
		if c.Archive.GCPBucket == "" {
			return fmt.Errorf("archive.gcp_bucket is required when backend is 'gcp'")
		}
	case "azure":
		if c.Archive.AzureContainer == "" {
			return fmt.Errorf("archive.azure_container is required when backend is 'azure'")
		}
		if c.Archive.AzureAccountURL == "" {
			return fmt.Errorf("archive.azure_account or archive.azure_account_url is required when backend is 'azure'")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, aws, gcp, azure", c.Archive.Backend)
	}
	return nil
}
