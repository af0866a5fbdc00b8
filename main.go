// Package main provides the entry point for the cacheit CLI application.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cacheit/cacheit/internal/cache"
	"github.com/cacheit/cacheit/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        config.Config

	// location written when no config file existed at startup
	seededConfigFile string

	rootCmd = &cobra.Command{
		Use:   "cacheit",
		Short: "Cache bytes and files on disk with a time to live",
		Long: paragraph(
			fmt.Sprintf("\nStore payloads in a %s that forgets them when they expire.", keyword("disk cache")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	// an explicit --config replaces the file found at startup
	if cmd.Flags().Changed("config") {
		if err := readConfigFile(configFile); err != nil {
			return err
		}
	}

	// grab config values from Viper; CACHEIT_* overrides are applied by
	// the config package
	c, err := config.LoadFromViper(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// openController builds a controller from the loaded configuration. The
// caller must Close it.
func openController() (*cache.Controller, error) {
	logger := cache.NewLogger(log.Default(), cfg.Level())

	opts := append(cfg.Options(), cache.WithLogger(logger))
	c, err := cache.NewController(opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}

	c.SetDefaults(cache.Transient, cfg.Defaults(cache.Transient))
	c.SetDefaults(cache.Persistent, cfg.Defaults(cache.Persistent))
	return c, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file to read and edit (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().String("dir", "", "cache directory")
	rootCmd.PersistentFlags().String("log-level", "", "lifecycle log level (none, info, debug)")

	// Config bindings
	_ = viper.BindPFlag("persistent.dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(setCmd, getCmd, rmCmd, lsCmd, purgeCmd, resetCmd, configCmd, manCmd)
}

// configSearchDirs lists where cacheit.yml is looked up, most specific first.
func configSearchDirs() ([]string, error) {
	dirs, err := gap.NewScope(gap.User, "cacheit").ConfigDirs()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "cacheit")}, dirs...)
	}
	if c := os.Getenv("CACHEIT_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

// readConfigFile loads an explicitly named config file into viper.
func readConfigFile(path string) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to read config file %s: %w", path, err)
	}
	log.Debug("Using configuration file", "path", path)
	return nil
}

func tryLoadConfigFromDefaultPlaces() {
	dirs, err := configSearchDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}
	viper.SetConfigName("cacheit")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	// nothing found: seed the most specific location
	seededConfigFile = filepath.Join(dirs[0], "cacheit.yml")
	if err := ensureConfigFile(seededConfigFile); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

// defaultConfigPath is the file used when --config is not given.
func defaultConfigPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return seededConfigFile
}
