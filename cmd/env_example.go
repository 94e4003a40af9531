package cmd

import (
	"fmt"
	"os"

	"chatstate/internal/config"

	"github.com/spf13/cobra"
)

var envOutput string

var envExampleCmd = &cobra.Command{
	Use:   "env-example",
	Short: "Print a .env.example built from the defaults",
	Long: `Renders every supported environment variable with its built-in default.
Secrets are always left empty.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := config.EnvExample(config.DefaultDefaults())
		if err != nil {
			return err
		}
		if envOutput == "" || envOutput == "-" {
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		}
		if err := os.WriteFile(envOutput, []byte(text), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", envOutput, err)
		}
		return nil
	},
}

func init() {
	envExampleCmd.Flags().StringVarP(&envOutput, "output", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(envExampleCmd)
}
