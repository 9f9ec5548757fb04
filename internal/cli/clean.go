// clean.go implements the "gradeloop clean" command for pruning stored
// slice images and expired sessions.
package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/gradeloop/internal/cleanup"
	"github.com/berth-dev/gradeloop/internal/config"
	"github.com/berth-dev/gradeloop/internal/session"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old slice images and expired sessions",
	Long: `Remove slice images from the slice directory and purge expired
sessions from the sqlite store.

By default, removes slices older than the cache TTL, so no cached slice
set points at a deleted file. Use --keep to keep only the N most recent
slices instead. Use --dry-run to preview what would be removed.`,
	RunE: runClean,
}

var (
	keepFlag   int
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N slice images (0 = use age-based cleanup)")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	out := cmd.OutOrStdout()
	sliceDir := config.Resolve(dir, cfg.Preprocess.SliceDir)

	var pruned []string
	if keepFlag > 0 {
		pruned, err = cleanup.PruneKeepRecent(sliceDir, keepFlag, dryRunFlag)
	} else {
		maxAge := cfg.Cache.TTL()
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		pruned, err = cleanup.PruneByAge(sliceDir, maxAge, time.Now(), dryRunFlag)
	}
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}
	if len(pruned) == 0 {
		fmt.Fprintln(out, "No slices to clean up.")
	} else {
		for _, name := range pruned {
			fmt.Fprintf(out, "  %s %s\n", verb, name)
		}
		fmt.Fprintf(out, "%s %d slice(s).\n", verb, len(pruned))
	}

	if dryRunFlag || cfg.Session.Backend != "sqlite" {
		return nil
	}
	return withStore(func(_ string, _ *config.Config, store session.Store) error {
		sq, ok := store.(*session.SQLiteStore)
		if !ok {
			return nil
		}
		n, err := sq.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Purged %d expired session(s).\n", n)
		return nil
	})
}
