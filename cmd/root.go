package cmd

import (
	"os"

	"chatstate/internal/worker"

	"github.com/spf13/cobra"
)

var (
	debugMode  bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "chatstate",
	Short: "State core of a multi-session chat client",
	Long: `chatstate keeps chat sessions, their settings and the UI action state,
persists them through a pluggable storage backend and relays completions
from OpenAI, Claude or Gemini models.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initDebug,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable write queue tracing (also CHATSTATE_DEBUG=1)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CHATSTATE_CONFIG"), "Path to a JSON or TOML config file")
}

func initDebug(cmd *cobra.Command, args []string) error {
	if debugMode {
		worker.SetDebug(true)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
