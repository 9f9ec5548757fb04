// grade.go implements the "gradeloop grade" command, which runs one
// grading session over a set of page images.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/berth-dev/gradeloop/internal/config"
	"github.com/berth-dev/gradeloop/internal/grading"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/ui"
)

var gradeCmd = &cobra.Command{
	Use:   "grade [image...]",
	Short: "Grade a homework submission",
	Long: `Grade the given page images, in page order. Images may be local paths,
file:// URLs, http(s) URLs or data: URIs.

The run is bounded by the configured iteration, token and time budgets;
the flags below override them for this run only.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGrade,
}

var (
	subjectFlag       string
	sessionIDFlag     string
	maxIterationsFlag int
	maxTokensFlag     int
	timeoutFlag       time.Duration
	jsonFlag          bool
	metricsFileFlag   string
)

func init() {
	gradeCmd.Flags().StringVarP(&subjectFlag, "subject", "s", "", "Subject of the homework: math or english")
	gradeCmd.Flags().StringVar(&sessionIDFlag, "session-id", "", "Session id (generated when empty)")
	gradeCmd.Flags().IntVar(&maxIterationsFlag, "max-iterations", -1, "Reflection rounds (0 = fast path, -1 = config)")
	gradeCmd.Flags().IntVar(&maxTokensFlag, "max-tokens", 0, "Token budget for the run (0 = config)")
	gradeCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Wall-clock budget for the run (0 = config)")
	gradeCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON instead of a summary")
	gradeCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	_ = gradeCmd.MarkFlagRequired("subject")
}

// gradeOutput is the JSON document printed by --json.
type gradeOutput struct {
	SessionID string `json:"session_id"`
	*session.GradeResult
}

func runGrade(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	sessionID := sessionIDFlag
	if sessionID == "" {
		sessionID = session.NewID()
	}

	var observer grading.Observer
	if !jsonFlag {
		observer = ui.NewProgressDisplay(fmt.Sprintf("%s, %d pages", subjectFlag, len(args)))
	}

	a, err := buildApp(dir, cfg, observer, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := a.orchestrator.Run(ctx, grading.Request{
		Images:    args,
		Subject:   subjectFlag,
		SessionID: sessionID,
		Budget: &grading.Budget{
			MaxIterations: grading.Iterations(maxIterationsFlag),
			MaxTokens:     maxTokensFlag,
			Timeout:       timeoutFlag,
		},
	})
	if metricsFileFlag != "" {
		path := config.Resolve(dir, metricsFileFlag)
		if werr := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); werr != nil {
			a.logger.Warn("writing metrics file failed", "path", path, "error", werr)
		}
	}
	if err != nil {
		if errors.Is(err, grading.ErrNoUsableImages) {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if jsonFlag {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(gradeOutput{SessionID: sessionID, GradeResult: result})
	}
	fmt.Fprintln(out, ui.RenderResult(sessionID, result))
	return nil
}
