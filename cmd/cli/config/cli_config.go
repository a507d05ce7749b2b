package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/inferloop/splitlab/internal/storage/implementations/postgres"
	"github.com/inferloop/splitlab/pkg/constants"
)

type CLIConfig struct {
	ServerURL     string                  `mapstructure:"server_url"`
	DefaultFormat string                  `mapstructure:"default_format"`
	Analysis      AnalysisConfig          `mapstructure:"analysis"`
	Postgres      postgres.PostgresConfig `mapstructure:"postgres"`
}

// AnalysisConfig holds the defaults for the offline analysis commands
type AnalysisConfig struct {
	ConfidenceLevel   float64 `mapstructure:"confidence_level"`
	TargetPower       float64 `mapstructure:"target_power"`
	MinimumSampleSize int64   `mapstructure:"minimum_sample_size"`
	MonteCarloDraws   int     `mapstructure:"monte_carlo_draws"`
	Seed              uint64  `mapstructure:"seed"`
}

func DefaultConfig() *CLIConfig {
	return &CLIConfig{
		ServerURL:     fmt.Sprintf("http://localhost:%d", constants.DefaultPort),
		DefaultFormat: "text",
		Analysis: AnalysisConfig{
			ConfidenceLevel:   constants.DefaultConfidenceLevel,
			TargetPower:       constants.DefaultTargetPower,
			MinimumSampleSize: constants.DefaultMinimumSampleSize,
			MonteCarloDraws:   constants.DefaultMonteCarloDraws,
		},
		Postgres: postgres.PostgresConfig{
			Port:     5432,
			Database: "splitlab",
			SSLMode:  "disable",
		},
	}
}

func LoadConfig(cfgFile string) (*CLIConfig, error) {
	config := DefaultConfig()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		v.AddConfigPath(filepath.Join(home, ".splitlab"))
		v.SetConfigName("cli")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SPLITLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server_url", config.ServerURL)
	v.SetDefault("default_format", config.DefaultFormat)
	v.SetDefault("analysis.confidence_level", config.Analysis.ConfidenceLevel)
	v.SetDefault("analysis.target_power", config.Analysis.TargetPower)
	v.SetDefault("analysis.minimum_sample_size", config.Analysis.MinimumSampleSize)
	v.SetDefault("analysis.monte_carlo_draws", config.Analysis.MonteCarloDraws)
	v.SetDefault("analysis.seed", config.Analysis.Seed)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", config.Postgres.Port)
	v.SetDefault("postgres.database", config.Postgres.Database)
	v.SetDefault("postgres.username", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.ssl_mode", config.Postgres.SSLMode)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

func SaveConfig(config *CLIConfig, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = GetDefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	v := viper.New()
	v.Set("server_url", config.ServerURL)
	v.Set("default_format", config.DefaultFormat)
	v.Set("analysis.confidence_level", config.Analysis.ConfidenceLevel)
	v.Set("analysis.target_power", config.Analysis.TargetPower)
	v.Set("analysis.minimum_sample_size", config.Analysis.MinimumSampleSize)
	v.Set("analysis.monte_carlo_draws", config.Analysis.MonteCarloDraws)
	v.Set("analysis.seed", config.Analysis.Seed)
	v.Set("postgres.dsn", config.Postgres.DSN)
	v.Set("postgres.host", config.Postgres.Host)
	v.Set("postgres.port", config.Postgres.Port)
	v.Set("postgres.database", config.Postgres.Database)
	v.Set("postgres.username", config.Postgres.Username)
	v.Set("postgres.ssl_mode", config.Postgres.SSLMode)

	return v.WriteConfigAs(cfgFile)
}

func GetDefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".splitlab", "cli.yaml")
}
