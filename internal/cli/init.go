// init.go implements the "gradeloop init" command with optional --guided flag.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/gradeloop/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gradeloop in the current project",
	Long: `Create the .gradeloop/ directory with a default config.yaml and
add the runtime files (cache, sessions, slices, audit log) to .gitignore.`,
	RunE: runInit,
}

var (
	guidedFlag bool
	forceFlag  bool
)

func init() {
	initCmd.Flags().BoolVar(&guidedFlag, "guided", false, "Interactive prompts for configuration overrides")
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	cfgPath := filepath.Join(dir, ".gradeloop", "config.yaml")
	if _, statErr := os.Stat(cfgPath); statErr == nil && !forceFlag {
		fmt.Fprintln(out, "Warning: .gradeloop/config.yaml already exists.")
		fmt.Fprint(out, "Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if guidedFlag {
		guidedOverrides(cfg, reader, out)
	}

	if err := config.WriteConfig(dir, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.MkdirAll(config.Resolve(dir, cfg.Preprocess.SliceDir), 0755); err != nil {
		return fmt.Errorf("creating slice directory: %w", err)
	}

	if err := ensureGitignore(dir); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to set up .gitignore: %v\n", err)
	}

	fmt.Fprintln(out, "gradeloop initialized")
	fmt.Fprintf(out, "  Profile:       %s (%d iterations)\n", cfg.Loop.Profile, cfg.Loop.Iterations())
	fmt.Fprintf(out, "  Vision model:  %s\n", cfg.Model.VisionModel)
	fmt.Fprintf(out, "  Sessions:      %s\n", cfg.Session.Backend)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration written to .gradeloop/config.yaml")
	fmt.Fprintf(out, "Set $%s, then run: gradeloop grade --subject math page1.jpg\n", cfg.Model.APIKeyEnv)
	return nil
}

// guidedOverrides prompts for the handful of settings people change first.
// Empty answers keep the default.
func guidedOverrides(cfg *config.Config, reader *bufio.Reader, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "--- Guided Configuration ---")

	ask := func(label, current string) string {
		fmt.Fprintf(out, "%s [%s]: ", label, current)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return current
		}
		if answer = strings.TrimSpace(answer); answer != "" {
			return answer
		}
		return current
	}

	cfg.Loop.Profile = ask("Profile (fast, standard, thorough)", cfg.Loop.Profile)
	cfg.Model.BaseURL = ask("Model base URL (empty for OpenAI)", cfg.Model.BaseURL)
	cfg.Model.VisionModel = ask("Vision model", cfg.Model.VisionModel)
	cfg.Model.TextModel = ask("Text model", cfg.Model.TextModel)
	cfg.Session.Backend = ask("Session backend (memory, badger, sqlite)", cfg.Session.Backend)
	if cfg.Session.Backend == "badger" && strings.HasSuffix(cfg.Session.Path, ".db") {
		cfg.Session.Path = ".gradeloop/sessions"
	}

	fmt.Fprintln(out, "--- End Guided Configuration ---")
	fmt.Fprintln(out)
}

// ensureGitignore creates or appends to .gitignore with the runtime files
// that should never be committed. Entries already present are left alone.
func ensureGitignore(dir string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")

	// config.yaml IS committed.
	requiredEntries := []string{
		".env",
		".gradeloop/log.jsonl",
		".gradeloop/cache/",
		".gradeloop/slices/",
		".gradeloop/sessions*",
		".gradeloop/metrics.prom",
	}

	existing := ""
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range requiredEntries {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var toAppend strings.Builder
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		toAppend.WriteString("\n")
	}
	if existing != "" {
		toAppend.WriteString("\n# Added by gradeloop init\n")
	}
	for _, entry := range missing {
		toAppend.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening .gitignore: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(toAppend.String()); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	return nil
}
