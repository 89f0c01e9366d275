package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/livesync/internal/archive"
)

var (
	archivePath       string
	archiveJSONOutput bool
	archiveEntity     string
	archiveLimit      int
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the op-log archive",
	Long:  "List and summarize operation log entries archived after eviction, without running the server.",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived entries, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runArchiveList,
}

var archiveStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive entry counts and time range",
	Args:  cobra.NoArgs,
	RunE:  runArchiveStats,
}

func init() {
	archiveCmd.PersistentFlags().StringVar(&archivePath, "path", "",
		"Archive database path (overrides LIVESYNC_ARCHIVE_PATH)")
	archiveCmd.PersistentFlags().BoolVar(&archiveJSONOutput, "json", false,
		"Output in JSON format")

	archiveListCmd.Flags().StringVar(&archiveEntity, "entity", "",
		"Only list entries for this entity key (entity:id)")
	archiveListCmd.Flags().IntVar(&archiveLimit, "limit", archive.DefaultListLimit,
		"Maximum number of entries")

	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveStatsCmd)
}

// openArchive opens an existing archive from --path or LIVESYNC_ARCHIVE_PATH.
func openArchive() (*archive.Store, error) {
	path := archivePath
	if path == "" {
		path = os.Getenv("LIVESYNC_ARCHIVE_PATH")
	}
	if path == "" {
		return nil, errors.New("archive path required: use --path or LIVESYNC_ARCHIVE_PATH")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive %s: %w", path, err)
	}
	return archive.Open(path)
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx, archiveEntity, archiveLimit)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}

	if archiveJSONOutput {
		if records == nil {
			records = []archive.Record{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": records,
			"total":   len(records),
		})
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No archived entries.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ENTITY\tVERSION\tOPS\tSIZE\tRECORDED\tARCHIVED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			r.EntityKey,
			r.Version,
			len(r.Patch),
			r.PatchSize,
			r.Timestamp.Format(time.RFC3339),
			r.ArchivedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func runArchiveStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("archive stats: %w", err)
	}

	if archiveJSONOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Entries:\t%d\n", st.Entries)
	fmt.Fprintf(w, "Entities:\t%d\n", st.Entities)
	fmt.Fprintf(w, "Oldest:\t%s\n", formatTime(st.OldestArchived))
	fmt.Fprintf(w, "Newest:\t%s\n", formatTime(st.NewestArchived))
	return w.Flush()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

