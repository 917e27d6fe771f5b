// Package config loads the single YAML file that configures a gxactdb node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/gxactdb/config/certs"
	"github.com/sushant-115/gxactdb/core/engine"
	"github.com/sushant-115/gxactdb/pkg/logger"
	"github.com/sushant-115/gxactdb/pkg/telemetry"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultDataDir is used when the file does not name a data directory.
const DefaultDataDir = "./gxactdb-data"

// ServerConfig holds the network settings of the server binary.
type ServerConfig struct {
	// GRPCAddr is the listen address of the gRPC health and reflection services.
	GRPCAddr string `yaml:"grpc_addr"`
	// ShutdownTimeout bounds the graceful stop of the gRPC server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TLS serves gRPC over TLS when a certificate is configured.
	TLS certs.Config `yaml:"tls"`
}

// Config is the whole node configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
	Engine    engine.Config    `yaml:"engine"`
}

// Default returns the configuration used for every setting a file leaves out. The
// engine directories stay empty so that they follow whatever data_dir the file sets.
func Default() Config {
	eng := engine.DefaultConfig("")
	eng.WAL.Dir = ""
	eng.WAL.ArchiveDir = ""
	eng.WALSender.StandbyDir = ""
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "gxactdb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Server: ServerConfig{
			GRPCAddr:        "127.0.0.1:7432",
			ShutdownTimeout: 5 * time.Second,
		},
		Engine: eng,
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration held in memory.
func Parse(data []byte) (Config, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a configuration from r over the defaults, fills the derived settings and
// validates the result. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = DefaultDataDir
	}
	cfg.Engine.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Logger.Level != "" {
		if _, err := zap.ParseAtomicLevel(c.Logger.Level); err != nil {
			return fmt.Errorf("invalid logger.level: %w", err)
		}
	}
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logger.format %q", c.Logger.Format)
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.prometheus_port %d", c.Telemetry.PrometheusPort)
	}
	if c.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr must be set")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid server.tls: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	return nil
}
