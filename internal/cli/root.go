// Package cli defines Cobra command definitions for the gradeloop CLI.
// This file contains the root command, version flag, and help output.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	projectDir string
	logLevel   string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "gradeloop",
	Short: "Autonomous homework grading orchestrator",
	Long: `gradeloop grades photographed homework with vision models. It reads
every page, slices out figures the answers depend on, plans extra tool
calls while the evidence is thin, and refuses to hand out a definitive
verdict for a question whose figure it never saw.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project directory holding .gradeloop/")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(gradeCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(cleanCmd)
}
