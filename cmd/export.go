package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"chatstate/internal/models"
	"chatstate/internal/store"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Export a session transcript as markdown",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := models.DefaultSessionID
		if len(args) == 1 {
			id = args[0]
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := openRuntime(ctx, cfg, "")
		if err != nil {
			return err
		}
		defer rt.close(10 * time.Second)

		if !slices.Contains(rt.store.SessionIDs(), id) {
			return &models.NotFoundError{Kind: "session", ID: id}
		}
		if err := rt.app.SwitchSession(ctx, id); err != nil {
			return err
		}
		var out io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}
		return rt.app.ExportImage(ctx, func(_ context.Context, v store.View) error {
			return renderMarkdown(out, v)
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func renderMarkdown(w io.Writer, v store.View) error {
	var b strings.Builder
	title := v.Settings.Title
	if title == "" {
		title = v.SessionID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range v.Messages {
		fmt.Fprintf(&b, "## %s", m.Role)
		if m.Locked() {
			b.WriteString(" (locked)")
		}
		if !m.DateTime.IsZero() {
			fmt.Fprintf(&b, " · %s", m.DateTime.Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "\n\n%s\n\n", strings.TrimSpace(m.Content))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
