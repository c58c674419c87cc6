package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jaywantadh/filehoster/pkg/env"
	"github.com/jaywantadh/filehoster/pkg/logging"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	ConfigDir       string        `mapstructure:"config_dir"`
	Port            int           `mapstructure:"port"`
	ListenAddress   string        `mapstructure:"listen_address"`
	SharedFile      string        `mapstructure:"shared_file"`
	DownloadDir     string        `mapstructure:"download_dir"`
	LedgerPath      string        `mapstructure:"ledger_path"`
	ProtocolVersion string        `mapstructure:"protocol_version"`
	MaxChunkSize    int           `mapstructure:"max_chunk_size"`
	MaxFrameSize    int           `mapstructure:"max_frame_size"`
	MaxOfferBytes   uint64        `mapstructure:"max_offer_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxResumeRounds int           `mapstructure:"max_resume_rounds"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	MetricsAddress  string        `mapstructure:"metrics_address"`
	Debug           bool          `mapstructure:"debug"`
}

// DefaultPort is used when neither config.yaml, the environment nor port.txt set one.
const DefaultPort = 1357

var Config *AppConfig

// ListenAddr joins the listen address and port.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// LoadConfig reads config.yaml from dir (the user config dir when empty),
// applies FILEHOSTER_* environment overrides and stores the result in Config.
func LoadConfig(dir string) (*AppConfig, error) {
	if dir == "" {
		var err error
		if dir, err = env.ConfigDir(); err != nil {
			return nil, fmt.Errorf("failed to resolve config directory: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("FILEHOSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("config_dir", dir)
	v.SetDefault("port", legacyPort(dir))
	v.SetDefault("listen_address", "0.0.0.0")
	v.SetDefault("shared_file", filepath.Join(dir, "shared.txt"))
	v.SetDefault("download_dir", ".")
	v.SetDefault("ledger_path", filepath.Join(dir, "ledger"))
	v.SetDefault("protocol_version", "v0.0.0")
	v.SetDefault("max_chunk_size", 1<<20)
	v.SetDefault("max_frame_size", 64*1024)
	v.SetDefault("max_offer_bytes", 0)
	v.SetDefault("read_timeout", time.Duration(0))
	v.SetDefault("max_resume_rounds", 1<<16)
	v.SetDefault("retry_attempts", 5)
	v.SetDefault("metrics_address", "")
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logging.Log.WithField("dir", dir).Debug("No config file found, using defaults")
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects settings the server or client cannot run with.
func (c *AppConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProtocolVersion == "" {
		return errors.New("protocol_version must not be empty")
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive, got %d", c.MaxChunkSize)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative, got %s", c.ReadTimeout)
	}
	return nil
}

// legacyPort reads the port.txt file older installs keep next to shared.txt.
func legacyPort(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, "port.txt"))
	if err != nil {
		return DefaultPort
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		logging.Log.WithField("value", strings.TrimSpace(string(data))).Warn("Ignoring invalid port.txt")
		return DefaultPort
	}
	return port
}
