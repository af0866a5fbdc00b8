package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cacheit/cacheit/internal/cache"
)

var (
	setTTL      time.Duration
	setMetadata map[string]string
	setFromFile bool
	getInfo     bool

	errNotFound = errors.New("no live entry for key")
)

var setCmd = &cobra.Command{
	Use:   "set KEY [VALUE|-]",
	Short: "Store a value in the disk cache",
	Long: paragraph(fmt.Sprintf("\n%s a value under KEY. With no VALUE, or %s, the value is read from stdin. With --file, VALUE is a path whose contents are copied in.",
		keyword("Store"), keyword("-"))),
	Example: paragraph("cacheit set greeting hello\ncacheit set --ttl 10m report --file ./report.pdf\necho hi | cacheit set piped"),
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := sourceFromArgs(args[1:])
		if err != nil {
			return err
		}

		var metadata cache.Metadata
		if len(setMetadata) > 0 {
			metadata = make(cache.Metadata, len(setMetadata))
			for k, v := range setMetadata {
				metadata[k] = v
			}
		}

		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		entry, err := c.Persistent().Create(args[0], setTTL, src, metadata)
		if err != nil {
			return fmt.Errorf("unable to store %q: %w", args[0], err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s), expires %s\n",
			keyword(entry.Key()), humanize.Bytes(uint64(entry.Size())), humanize.Time(entry.Expiration())) //nolint:gosec
		return nil
	},
}

// sourceFromArgs resolves the optional VALUE argument of set.
func sourceFromArgs(args []string) (cache.DataSource, error) {
	if setFromFile {
		if len(args) == 0 || args[0] == "-" {
			return nil, errors.New("--file needs a path")
		}
		return cache.File(args[0]), nil
	}

	if len(args) == 1 && args[0] != "-" {
		return cache.Bytes([]byte(args[0])), nil
	}

	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("unable to read from stdin: %w", err)
	}
	return cache.Bytes(b), nil
}

var getCmd = &cobra.Command{
	Use:     "get KEY",
	Short:   "Print a cached value",
	Example: paragraph("cacheit get greeting\ncacheit get --info report"),
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		entry := c.Persistent().Fetch(args[0])
		if entry == nil {
			return fmt.Errorf("%w: %s", errNotFound, args[0])
		}

		w := cmd.OutOrStdout()
		if getInfo {
			return printInfo(w, entry)
		}
		if _, err := w.Write(entry.Data()); err != nil {
			return fmt.Errorf("unable to write to writer: %w", err)
		}
		return nil
	},
}

func printInfo(w io.Writer, entry *cache.PersistentEntry) error {
	meta := "{}"
	if md := entry.Metadata(); md != nil {
		b, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("unable to encode metadata: %w", err)
		}
		meta = string(b)
	}

	fmt.Fprintf(w, "key:      %s\n", entry.Key())
	fmt.Fprintf(w, "file:     %s\n", entry.FileID())
	fmt.Fprintf(w, "size:     %s\n", humanize.Bytes(uint64(entry.Size()))) //nolint:gosec
	fmt.Fprintf(w, "expires:  %s (%s)\n", cache.FormatExpiration(entry.Expiration()), humanize.Time(entry.Expiration()))
	fmt.Fprintf(w, "metadata: %s\n", meta)
	return nil
}

var rmCmd = &cobra.Command{
	Use:     "rm KEY...",
	Aliases: []string{"remove"},
	Short:   "Remove cached values",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		for _, key := range args {
			c.Remove(cache.Persistent, key)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every cached value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		n := c.Persistent().Len()
		c.Purge(cache.Persistent)
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d %s\n", n, plural(n, "entry", "entries"))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Purge the cache and restore factory defaults",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		c.ResetAll()
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List cached values",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openController()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		styled := term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
		return listEntries(cmd.OutOrStdout(), c.Persistent(), styled)
	},
}

func listEntries(w io.Writer, m *cache.PersistentManager, styled bool) error {
	keys := m.Keys()
	sort.Strings(keys)

	var rows [][]string
	for _, key := range keys {
		entry := m.Fetch(key)
		if entry == nil {
			continue
		}
		rows = append(rows, []string{
			entry.Key(),
			humanize.Bytes(uint64(entry.Size())), //nolint:gosec
			humanize.Time(entry.Expiration()),
			entry.FileID(),
		})
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No cached entries.")
		return nil
	}

	header := []string{"KEY", "SIZE", "EXPIRES", "FILE"}
	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, col := range row {
			widths[i] = max(widths[i], len(col))
		}
	}

	render := func(row []string, style func(...string) string) string {
		cols := make([]string, len(row))
		for i, col := range row {
			cols[i] = col + strings.Repeat(" ", widths[i]-len(col))
		}
		line := strings.TrimRight(strings.Join(cols, "  "), " ")
		if styled {
			return style(line)
		}
		return line
	}

	fmt.Fprintln(w, render(header, headerStyle.Render))
	for _, row := range rows {
		fmt.Fprintln(w, render(row, faintStyle.Render))
	}

	usage := m.DiskUsage()
	budget := m.Defaults().MaxDiskBytes
	summary := fmt.Sprintf("%d %s, %s on disk (budget %s)",
		len(rows), plural(len(rows), "entry", "entries"),
		humanize.Bytes(uint64(usage)), humanize.Bytes(budget)) //nolint:gosec
	if styled && uint64(usage) > budget { //nolint:gosec
		summary = warnStyle.Render(summary)
	}
	fmt.Fprintln(w, summary)
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "time to live (default from config)")
	setCmd.Flags().StringToStringVarP(&setMetadata, "meta", "m", nil, "metadata key=value pairs")
	setCmd.Flags().BoolVarP(&setFromFile, "file", "f", false, "treat VALUE as a path to copy in")

	getCmd.Flags().BoolVarP(&getInfo, "info", "i", false, "print entry details instead of the value")
}
