package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/cowverse"
	"github.com/aweris/cowverse/internal/archive"
	"github.com/aweris/cowverse/internal/compression"
)

var rootCmd = &cobra.Command{
	Use:   "cowverse",
	Short: "Copy-on-write universe store",
	Long:  "CLI for driving and inspecting an in-process copy-on-write universe store.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/cowverse/config.yaml)")
	flags.String("data-dir", "", "archive directory (default: ~/.local/share/cowverse)")
	flags.String("archive", "memory", "snapshot archive backend: memory, local or badger")
	flags.Bool("verbose", false, "development logging at debug level")
	flags.Int("max-universes", cowverse.DefaultMaxUniverses, "maximum number of live universes")
	flags.Int("chunk-size", cowverse.DefaultChunkSize, "bulk create chunk size")
	flags.Int("max-in-flight", cowverse.DefaultMaxInFlight, "concurrent items per batch")
	flags.Int("max-batch-count", cowverse.DefaultMaxBatchCount, "maximum items per batch")
	flags.Duration("evict-age", cowverse.DefaultEvictAge, "janitor eviction age")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("archive", flags.Lookup("archive"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("max_universes", flags.Lookup("max-universes"))
	viper.BindPFlag("chunk_size", flags.Lookup("chunk-size"))
	viper.BindPFlag("max_in_flight", flags.Lookup("max-in-flight"))
	viper.BindPFlag("max_batch_count", flags.Lookup("max-batch-count"))
	viper.BindPFlag("evict_age", flags.Lookup("evict-age"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("COWVERSE")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("archive", "memory")
	viper.SetDefault("max_universes", cowverse.DefaultMaxUniverses)
	viper.SetDefault("chunk_size", cowverse.DefaultChunkSize)
	viper.SetDefault("max_in_flight", cowverse.DefaultMaxInFlight)
	viper.SetDefault("max_batch_count", cowverse.DefaultMaxBatchCount)
	viper.SetDefault("evict_age", cowverse.DefaultEvictAge)
	viper.SetDefault("janitor_interval", cowverse.DefaultJanitorInterval)

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cowverse")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cowverse")
	}
	return ".cowverse"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cowverse")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cowverse")
	}
	return ".cowverse"
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func openArchive(log *zap.Logger) (archive.Archive, error) {
	dataDir := viper.GetString("data_dir")

	switch backend := viper.GetString("archive"); backend {
	case "memory", "":
		return archive.NewMemoryArchive(), nil
	case "local":
		return archive.NewLocalArchive(filepath.Join(dataDir, "archive"), archive.LocalOptions{
			CacheBytes:  64 << 20,
			Compression: true,
			Level:       compression.LevelDefault,
		})
	case "badger":
		return archive.NewBadgerArchive(archive.BadgerOptions{
			Path:        filepath.Join(dataDir, "badger"),
			Compression: true,
			Logger:      log.Named("badger"),
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}

// storeOptions maps resolved configuration onto store options.
func storeOptions(log *zap.Logger, arch archive.Archive, extra ...cowverse.Option) []cowverse.Option {
	opts := []cowverse.Option{
		cowverse.WithLogger(log),
		cowverse.WithArchive(arch),
		cowverse.WithMaxUniverses(viper.GetInt("max_universes")),
		cowverse.WithChunkSize(viper.GetInt("chunk_size")),
		cowverse.WithMaxInFlight(viper.GetInt("max_in_flight")),
		cowverse.WithMaxBatchCount(viper.GetInt("max_batch_count")),
		cowverse.WithEvictAge(viper.GetDuration("evict_age")),
		cowverse.WithJanitorInterval(viper.GetDuration("janitor_interval")),
	}
	return append(opts, extra...)
}
