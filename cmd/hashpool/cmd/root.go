package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aweris/hashpool/internal/logging"
	"github.com/aweris/hashpool/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hashpool",
	Short: "Content-addressable file pool CLI",
	Long: "CLI for storing files by content digest, collecting garbage against a " +
		"reference index and mirroring content to an OCI registry.",
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/hashpool/config.yaml)")
	flags.String("pool-dir", "", "pool directory (default: ~/.local/share/hashpool/filedir)")
	flags.String("trash-dir", "", "trash directory (default: trashdir next to the pool directory)")
	flags.String("refs-db", "", "reference index database (default: ~/.local/share/hashpool/refs.db)")
	flags.Bool("verify-digests", false, "rehash content even when its digest is supplied")
	flags.String("log-level", logging.LevelNone, "log level: none, info or debug")
	flags.String("log-file", "", "write logs to this file with rotation instead of stderr")
	flags.String("mirror", "", "OCI image reference to mirror content to")
	flags.String("mirror-state", "", "mirror state file (default: ~/.local/share/hashpool/mirror.json)")
	flags.Int("concurrency", remote.DefaultConcurrency, "parallel operations for fsck and mirror transfers")
	flags.String("metrics-out", "", "write Prometheus metrics to this file after the command (- for stdout)")

	for key, flag := range map[string]string{
		"pool_dir":       "pool-dir",
		"trash_dir":      "trash-dir",
		"refs_db":        "refs-db",
		"verify_digests": "verify-digests",
		"log_level":      "log-level",
		"log_file":       "log-file",
		"mirror":         "mirror",
		"mirror_state":   "mirror-state",
		"concurrency":    "concurrency",
		"metrics_out":    "metrics-out",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("HASHPOOL")
	viper.AutomaticEnv()
	viper.SetDefault("pool_dir", filepath.Join(dataDir(), "filedir"))
	viper.SetDefault("refs_db", filepath.Join(dataDir(), "refs.db"))
	viper.SetDefault("mirror_state", filepath.Join(dataDir(), "mirror.json"))

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hashpool")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "hashpool")
	}
	return ".hashpool"
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hashpool")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "hashpool")
	}
	return ".hashpool"
}
