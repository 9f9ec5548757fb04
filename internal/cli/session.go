// session.go implements the "gradeloop session" commands for inspecting
// stored runs and their audit trail.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/berth-dev/gradeloop/internal/config"
	"github.com/berth-dev/gradeloop/internal/log"
	"github.com/berth-dev/gradeloop/internal/report"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/ui"
)

var errNeedsSQLite = errors.New("this command needs session.backend: sqlite")

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored grading sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the working memory and result of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE:  runSessionList,
}

var sessionReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print a markdown grading report for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionReport,
}

var sessionPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired sessions",
	RunE:  runSessionPurge,
}

var (
	eventsFlag      bool
	sessionJSONFlag bool
	listLimitFlag   int
	reportDirFlag   string
)

func init() {
	sessionShowCmd.Flags().BoolVar(&eventsFlag, "events", false, "Also print the audit events of the session")
	sessionShowCmd.Flags().BoolVar(&sessionJSONFlag, "json", false, "Print the raw session state as JSON")
	sessionReportCmd.Flags().StringVarP(&reportDirFlag, "out", "o", "", "Write the report to <dir>/<session-id>.md instead of stdout")
	sessionListCmd.Flags().IntVarP(&listLimitFlag, "limit", "n", 20, "Maximum number of sessions to list")

	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionReportCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionPurgeCmd)
}

// withStore opens the configured session store for the duration of fn.
func withStore(fn func(dir string, cfg *config.Config, store session.Store) error) error {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	store, err := openStore(dir, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(dir, cfg, store)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withStore(func(dir string, cfg *config.Config, store session.Store) error {
		st, err := store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("session %s not found or expired", id)
		}

		out := cmd.OutOrStdout()
		if sessionJSONFlag {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprintln(out, ui.RenderSession(st))

		if !eventsFlag {
			return nil
		}
		audit, err := log.NewLogger(config.Resolve(dir, cfg.Log.Dir))
		if err != nil {
			return err
		}
		events, err := audit.ForSession(id)
		if err != nil {
			return fmt.Errorf("reading audit log: %w", err)
		}
		fmt.Fprintln(out)
		for _, e := range events {
			fmt.Fprintln(out, formatEvent(e))
		}
		return nil
	})
}

func runSessionReport(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withStore(func(dir string, cfg *config.Config, store session.Store) error {
		st, err := store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("session %s not found or expired", id)
		}

		// The audit trail only adds the duration; a missing log is not fatal.
		var events []log.LogEvent
		if audit, err := log.NewLogger(config.Resolve(dir, cfg.Log.Dir)); err == nil {
			events, _ = audit.ForSession(id)
		}
		r := report.GenerateReport(st, events)

		out := cmd.OutOrStdout()
		if reportDirFlag == "" {
			fmt.Fprint(out, report.FormatReport(r))
			return nil
		}
		path, err := report.WriteReport(config.Resolve(dir, reportDirFlag), r)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Report written to %s\n", path)
		return nil
	})
}

func runSessionList(cmd *cobra.Command, args []string) error {
	return withStore(func(_ string, _ *config.Config, store session.Store) error {
		sq, ok := store.(*session.SQLiteStore)
		if !ok {
			return errNeedsSQLite
		}
		items, err := sq.List(cmd.Context(), listLimitFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSessionList(items))
		return nil
	})
}

func runSessionPurge(cmd *cobra.Command, args []string) error {
	return withStore(func(_ string, _ *config.Config, store session.Store) error {
		sq, ok := store.(*session.SQLiteStore)
		if !ok {
			return errNeedsSQLite
		}
		n, err := sq.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired sessions\n", n)
		return nil
	})
}

// formatEvent renders one audit event as a single line.
func formatEvent(e log.LogEvent) string {
	line := fmt.Sprintf("%s %-20s", e.Time.Format("15:04:05.000"), e.Event)
	if e.Iteration > 0 {
		line += fmt.Sprintf(" #%d", e.Iteration)
	}
	if e.Tool != "" {
		line += " " + e.Tool
		if e.Page != nil {
			line += fmt.Sprintf(":%d", *e.Page)
		}
	}
	if e.Status != "" {
		line += " " + e.Status
	}
	if e.ErrorCode != "" {
		line += " error=" + e.ErrorCode
	}
	if e.FallbackUsed != "" {
		line += " fallback=" + e.FallbackUsed
	}
	if len(e.Steps) > 0 {
		line += fmt.Sprintf(" steps=%v", e.Steps)
	}
	if e.Pass != nil {
		line += fmt.Sprintf(" pass=%t confidence=%.2f", *e.Pass, e.Confidence)
	}
	if e.Reason != "" {
		line += " " + e.Reason
	}
	if e.Error != "" {
		line += " error: " + e.Error
	}
	return line
}
