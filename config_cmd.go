package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
)

const defaultConfig = `# lifecycle log level: none, info or debug
log_level: "none"

# in-memory entries, gone when the process exits
transient:
  # default time to live
  ttl: "30s"

# container files on disk, reloaded on start
persistent:
  # cache directory (default: <tmp>/CacheKit)
  # dir: "~/.cache/cacheit"
  # default time to live
  ttl: "1h"
  # advisory disk budget, recorded but not enforced
  max_disk: "200 B"
  # zstd level for payloads over 1KB, 0 disables compression
  compression_level: 0
  # forget entries whose file is deleted by another process
  watch: false
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the cacheit config file",
	Long:    paragraph(fmt.Sprintf("\n%s the cacheit config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("cacheit config\ncacheit config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	// an invalid config must still be editable
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(*cobra.Command, []string) error {
		path := configFile
		if path == "" {
			path = defaultConfigPath()
		}
		if err := ensureConfigFile(path); err != nil {
			return err
		}

		c, err := editor.Cmd("cacheit", path)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", path)
		return nil
	},
}

// ensureConfigFile writes the default config to path unless a file is
// already there.
func ensureConfigFile(path string) error {
	if path == "" {
		return errors.New("no config file location could be determined")
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("'%s' is not a supported configuration type: use '.yaml' or '.yml'", ext)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("unable create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}

	if _, err := f.WriteString(defaultConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("unable to write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("unable to write config file: %w", err)
	}
	return nil
}
