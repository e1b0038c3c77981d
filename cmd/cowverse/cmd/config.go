package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aweris/cowverse"
	"github.com/aweris/cowverse/internal/archive"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Resolve flags, environment and config file, validate the result and print it as YAML.",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

type effectiveConfig struct {
	ConfigFile      string        `yaml:"config_file,omitempty"`
	DataDir         string        `yaml:"data_dir"`
	Archive         string        `yaml:"archive"`
	MaxUniverses    int           `yaml:"max_universes"`
	ChunkSize       int           `yaml:"chunk_size"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	MaxBatchCount   int           `yaml:"max_batch_count"`
	EvictAge        time.Duration `yaml:"evict_age"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

func runConfig(cmd *cobra.Command, _ []string) error {
	// Validate through the same path the store uses.
	store, err := cowverse.New(storeOptions(zap.NewNop(), archive.NewMemoryArchive())...)
	if err != nil {
		return err
	}
	defer store.Close()
	opts := store.Options()

	cfg := effectiveConfig{
		ConfigFile:      viper.ConfigFileUsed(),
		DataDir:         viper.GetString("data_dir"),
		Archive:         viper.GetString("archive"),
		MaxUniverses:    opts.MaxUniverses,
		ChunkSize:       opts.ChunkSize,
		MaxInFlight:     opts.MaxInFlight,
		MaxBatchCount:   opts.MaxBatchCount,
		EvictAge:        opts.EvictAge,
		JanitorInterval: opts.JanitorInterval,
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
