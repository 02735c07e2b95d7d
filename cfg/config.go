package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Flush policies for deferred listeners
const (
	FlushPolicyNonEmpty = "non_empty" // Only listeners holding buffered events are called
	FlushPolicyAlways   = "always"    // Every deferred listener is called, possibly with an empty batch
)

// DatabaseConfiguration selects the SQL driver used by the session
type DatabaseConfiguration struct {
	Driver       string `toml:"driver"` // "sqlite3" or "mysql"
	DSN          string `toml:"dsn"`    // Defaults to {data_dir}/rowhook.db for sqlite3
	MaxOpenConns int    `toml:"max_open_conns"`
}

// DispatchConfiguration controls deferred listener delivery
type DispatchConfiguration struct {
	FlushPolicy string `toml:"flush_policy"`
}

// CacheConfiguration controls the committed-row cache listener
type CacheConfiguration struct {
	Enabled bool `toml:"enabled"`
	Size    int  `toml:"size"`
}

// SinkConfiguration describes one publisher sink
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`        // "nats" or "kafka"
	Format       string   `toml:"format"`      // "json" or "msgpack"
	Compression  string   `toml:"compression"` // "" or "zstd"
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
	FilterTables []string `toml:"filter_tables"`
	BatchSize    int      `toml:"batch_size"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// HTTPConfiguration for the API, admin and metrics endpoints
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Admin       bool   `toml:"admin"`
	// AdminSecret, when set, is required on /admin requests
	AdminSecret string `toml:"admin_secret"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Database   DatabaseConfiguration   `toml:"database"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	Cache      CacheConfiguration      `toml:"cache"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	HTTP       HTTPConfiguration       `toml:"http"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./rowhook-data",

	Database: DatabaseConfiguration{
		Driver:       "sqlite3",
		MaxOpenConns: 4,
	},

	Dispatch: DispatchConfiguration{
		FlushPolicy: FlushPolicyNonEmpty,
	},

	Cache: CacheConfiguration{
		Enabled: true,
		Size:    10000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8080,
		Admin:       true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("rowhook")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Database.Driver {
	case "sqlite3":
	case "mysql":
		if Config.Database.DSN == "" {
			return fmt.Errorf("mysql driver requires database.dsn")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", Config.Database.Driver)
	}

	if Config.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database max open connections must be >= 0")
	}

	switch Config.Dispatch.FlushPolicy {
	case FlushPolicyNonEmpty, FlushPolicyAlways:
	default:
		return fmt.Errorf("invalid flush policy: %q", Config.Dispatch.FlushPolicy)
	}

	if Config.Cache.Enabled && Config.Cache.Size < 1 {
		return fmt.Errorf("cache size must be >= 1")
	}

	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	seen := make(map[string]bool, len(Config.Sinks))
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("sink %q: duplicate name", sink.Name)
		}
		seen[sink.Name] = true

		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
		}

		if sink.Compression != "" && sink.Compression != "zstd" {
			return fmt.Errorf("sink %q: unsupported compression %q", sink.Name, sink.Compression)
		}
	}

	return nil
}

// GetDatabaseDSN returns the configured DSN, defaulting to a SQLite file in
// the data directory
func GetDatabaseDSN() string {
	if Config.Database.DSN != "" {
		return Config.Database.DSN
	}
	return path.Join(Config.DataDir, "rowhook.db") + "?_journal_mode=WAL&_busy_timeout=5000"
}
